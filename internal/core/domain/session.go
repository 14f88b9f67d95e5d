package domain

// NegotiationState tracks the offer/answer handshake with one peer.
type NegotiationState int

const (
	NegotiationNew NegotiationState = iota
	NegotiationHaveLocalOffer
	NegotiationHaveRemoteOffer
	NegotiationStable
	NegotiationClosed
	NegotiationFailed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationNew:
		return "new"
	case NegotiationHaveLocalOffer:
		return "have-local-offer"
	case NegotiationHaveRemoteOffer:
		return "have-remote-offer"
	case NegotiationStable:
		return "stable"
	case NegotiationClosed:
		return "closed"
	case NegotiationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LinkState mirrors the transport-level connection state of a peer link.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Usable reports whether the link can still carry or establish media.
func (s LinkState) Usable() bool {
	return s == LinkConnected || s == LinkConnecting
}

// Polite reports which side yields when both peers have a local offer in
// flight at once. The lexicographically greater user ID takes the polite
// role, so both sides compute the same answer under any interleaving.
func Polite(self, peer UserID) bool {
	return self > peer
}
