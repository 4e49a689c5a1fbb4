package identity

// CircuitAddr is the net.Addr of a relayed connection:
// /p2p/<relay>/p2p-circuit/p2p/<peer>.
type CircuitAddr struct {
	Relay ID
	Peer  ID
}

// Network implements net.Addr.
func (a CircuitAddr) Network() string { return "p2p-circuit" }

func (a CircuitAddr) String() string {
	return "/p2p/" + a.Relay.String() + "/p2p-circuit/p2p/" + a.Peer.String()
}

// PeerAddr is the net.Addr of a node reached without a relay: /p2p/<peer>.
type PeerAddr struct {
	Peer ID
}

// Network implements net.Addr.
func (a PeerAddr) Network() string { return "p2p" }

func (a PeerAddr) String() string { return "/p2p/" + a.Peer.String() }
