package identity

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGenerate(t *testing.T) ID {
	t.Helper()
	id, _, err := Generate()
	require.NoError(t, err)
	return id
}

func TestParseRoundTrip(t *testing.T) {
	id := mustGenerate(t)

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	text, err := id.MarshalText()
	require.NoError(t, err)
	var decoded ID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)
}

func TestFromBytesRejectsBadInput(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = FromBytes(make([]byte, Size))
	assert.ErrorIs(t, err, ErrInvalidID, "all-zero key")

	_, err = Parse("0OIl")
	assert.ErrorIs(t, err, ErrInvalidID, "not base58")
}

func TestBytesIsCopy(t *testing.T) {
	id := mustGenerate(t)
	b := id.Bytes()
	b[0] ^= 0xFF
	assert.NotEqual(t, b, id.Bytes())
}

func TestFromPrivateKey(t *testing.T) {
	id, priv, err := Generate()
	require.NoError(t, err)

	derived, err := FromPrivateKey(priv)
	require.NoError(t, err)
	assert.Equal(t, id, derived)
}

// TestPairIDSymmetric checks that the pair id does not depend on argument
// order and that the larger identity comes first.
func TestPairIDSymmetric(t *testing.T) {
	for i := 0; i < 20; i++ {
		a, b := mustGenerate(t), mustGenerate(t)

		ab, err := NewPairID(a, b)
		require.NoError(t, err)
		ba, err := NewPairID(b, a)
		require.NoError(t, err)

		assert.Equal(t, ab, ba)
		assert.Positive(t, bytes.Compare(ab.A[:], ab.B[:]))
		assert.True(t, ab.Contains(a))
		assert.True(t, ab.Contains(b))
		assert.Equal(t, b, ab.Other(a))
		assert.Equal(t, a, ab.Other(b))
	}
}

func TestPairIDLoopback(t *testing.T) {
	a := mustGenerate(t)
	_, err := NewPairID(a, a)
	assert.ErrorIs(t, err, ErrLoopback)
}

func TestCircuitAddr(t *testing.T) {
	relay, peer := mustGenerate(t), mustGenerate(t)

	var addr net.Addr = CircuitAddr{Relay: relay, Peer: peer}
	assert.Equal(t, "p2p-circuit", addr.Network())
	assert.Equal(t, "/p2p/"+relay.String()+"/p2p-circuit/p2p/"+peer.String(), addr.String())
}
