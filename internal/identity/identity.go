// Package identity defines peer identities, the canonical id of a peer pair
// and the circuit address of a relayed connection.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the length of a raw identity: an ed25519 public key.
const Size = ed25519.PublicKeySize

// ErrInvalidID is returned when raw bytes or text do not form an identity.
var ErrInvalidID = errors.New("invalid peer identity")

// ID identifies a peer by its public key. The zero value is not a valid
// identity and compares lowest.
type ID [Size]byte

// FromBytes converts raw identity bytes as written on the wire.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidID, len(b), Size)
	}
	copy(id[:], b)
	if id.IsZero() {
		return id, ErrInvalidID
	}
	return id, nil
}

// FromPublicKey wraps an ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	return FromBytes(pub)
}

// Parse decodes the base58 text form produced by String.
func Parse(s string) (ID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return FromBytes(raw)
}

// Generate creates a fresh key pair and returns its identity.
func Generate() (ID, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ID{}, nil, fmt.Errorf("generate key: %w", err)
	}
	id, err := FromPublicKey(pub)
	return id, priv, err
}

// FromPrivateKey derives the identity of an existing private key.
func FromPrivateKey(priv ed25519.PrivateKey) (ID, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return ID{}, ErrInvalidID
	}
	return FromPublicKey(priv.Public().(ed25519.PublicKey))
}

// Bytes returns a copy of the raw identity bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

func (id ID) String() string {
	return base58.Encode(id[:])
}

// Short returns the last six characters of the text form, for logs.
func (id ID) Short() string {
	s := id.String()
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Compare orders identities by their raw bytes.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
