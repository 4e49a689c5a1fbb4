package identity

import (
	"errors"
	"fmt"
)

// ErrLoopback is returned when a pair id is requested for a single peer.
var ErrLoopback = errors.New("pair of identical peers")

// PairID is the canonical key of an unordered pair of peers. The larger
// identity, by byte comparison, is always stored in A.
type PairID struct {
	A ID
	B ID
}

// NewPairID returns the same value for (a, b) and (b, a). It fails when both
// identities are equal.
func NewPairID(a, b ID) (PairID, error) {
	switch c := a.Compare(b); {
	case c > 0:
		return PairID{A: a, B: b}, nil
	case c < 0:
		return PairID{A: b, B: a}, nil
	default:
		return PairID{}, fmt.Errorf("%w: %s", ErrLoopback, a)
	}
}

// Contains reports whether id is one of the two peers.
func (p PairID) Contains(id ID) bool {
	return p.A == id || p.B == id
}

// Other returns the peer of the pair that is not id.
func (p PairID) Other(id ID) ID {
	if p.A == id {
		return p.B
	}
	return p.A
}

func (p PairID) String() string {
	return p.A.String() + " <-> " + p.B.String()
}
