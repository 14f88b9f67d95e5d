package domain

import "time"

// RemoteTrackInfo describes one inbound track from a peer.
type RemoteTrackInfo struct {
	ID   TrackID   `json:"id"`
	Kind TrackKind `json:"kind"`
	Role TrackRole `json:"role"`
}

// Participant is the engine's view of one remote channel member.
type Participant struct {
	UserID      UserID            `json:"userId"`
	State       UserState         `json:"state"`
	Link        LinkState         `json:"link"`
	Negotiation string            `json:"negotiation"`
	Tracks      []RemoteTrackInfo `json:"tracks"`
}

// TrackStats is a point-in-time view of one inbound track, used by the
// inbound liveness check.
type TrackStats struct {
	Track      RemoteTrackInfo
	Packets    uint64
	Bytes      uint64
	LastPacket time.Time
}

// EngineStats summarizes engine state for the control API.
type EngineStats struct {
	UserID       UserID    `json:"userId"`
	ChannelID    ChannelID `json:"channelId,omitempty"`
	Joined       bool      `json:"joined"`
	Sessions     int       `json:"sessions"`
	CallID       CallID    `json:"callId,omitempty"`
	CallStatus   string    `json:"callStatus,omitempty"`
	Local        UserState `json:"local"`
	PendingCount int       `json:"pendingCount"`
	Timestamp    time.Time `json:"timestamp"`
}
