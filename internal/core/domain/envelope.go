package domain

import "time"

type UserID string
type ChannelID string
type EnvelopeID string

// EveryoneID addresses an envelope to every member of a channel.
const EveryoneID UserID = "all"

type SignalKind string

const (
	KindJoin         SignalKind = "join"
	KindLeave        SignalKind = "leave"
	KindOffer        SignalKind = "offer"
	KindAnswer       SignalKind = "answer"
	KindIceCandidate SignalKind = "ice-candidate"
	KindStateUpdate  SignalKind = "update"
)

// IceCandidateData mirrors the RTCIceCandidateInit wire shape.
type IceCandidateData struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// UserState carries a member's media toggles on join and update signals.
type UserState struct {
	Muted         bool `json:"muted"`
	Deafened      bool `json:"deafened"`
	VideoOn       bool `json:"videoOn"`
	ScreenSharing bool `json:"screenSharing"`
}

// SignalEnvelope is one signaling message exchanged through the relay.
// Exactly one of SDP, Candidate or State is populated depending on Kind.
type SignalEnvelope struct {
	ID         EnvelopeID
	Kind       SignalKind
	ChannelID  ChannelID
	From       UserID
	To         UserID
	SDP        string
	Candidate  *IceCandidateData
	State      *UserState
	TrackRoles map[TrackID]TrackRole
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the envelope is past its expiry instant.
func (e *SignalEnvelope) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Broadcast reports whether the envelope addresses every channel member.
func (e *SignalEnvelope) Broadcast() bool {
	return e.To == EveryoneID
}

// AddressedTo reports whether the given user should process the envelope.
func (e *SignalEnvelope) AddressedTo(user UserID) bool {
	return e.Broadcast() || e.To == user
}
