package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// LocalTrack is one outbound media source owned by the media provider.
// SetEnabled gates the sample flow without detaching the track from peers.
type LocalTrack interface {
	ID() domain.TrackID
	Kind() domain.TrackKind
	Role() domain.TrackRole
	SetEnabled(enabled bool)
	Enabled() bool
	SetBitrateTarget(bps int)
	Close() error
}

// SenderHandle is one outbound track slot on a peer link.
type SenderHandle interface {
	Track() LocalTrack
	// ReplaceTrack swaps the outbound source without renegotiation.
	ReplaceTrack(t LocalTrack) error
}

// PeerEvents receives callbacks from one peer link. Callbacks fire from
// transport goroutines; consumers must hand off to their own loop.
type PeerEvents struct {
	OnRemoteTrack    func(id domain.TrackID, kind domain.TrackKind)
	OnLocalCandidate func(c domain.IceCandidateData)
	OnLinkChange     func(s domain.LinkState)
}

// PeerHandle abstracts one peer connection.
type PeerHandle interface {
	// CreateOffer builds an offer and installs it as the local description.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer builds an answer to the current remote offer and
	// installs it as the local description.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteOffer(ctx context.Context, sdp string) error
	SetRemoteAnswer(ctx context.Context, sdp string) error
	// Rollback discards a pending local offer.
	Rollback() error
	AddRemoteCandidate(c domain.IceCandidateData) error
	AddTrack(t LocalTrack) (SenderHandle, error)
	RemoveTrack(s SenderHandle) error
	LinkState() domain.LinkState
	InboundStats() []domain.TrackStats
	RequestKeyFrame(id domain.TrackID) error
	Close() error
}

// PeerConnector creates peer links.
type PeerConnector interface {
	NewPeer(events PeerEvents) (PeerHandle, error)
}

// MediaProvider acquires local capture tracks. Acquisition can block on
// source startup and honors ctx cancellation.
type MediaProvider interface {
	AcquireMicrophone(ctx context.Context) (LocalTrack, error)
	AcquireCamera(ctx context.Context) (LocalTrack, error)
	// AcquireScreen returns the screen video track and, when the source
	// exposes one, its system-audio track (nil otherwise).
	AcquireScreen(ctx context.Context) (video LocalTrack, audio LocalTrack, err error)
	// MixAudio combines microphone and system audio into one outbound
	// track. Returns domain.ErrMixUnsupported when the sources cannot be
	// mixed; callers fall back to sending both tracks separately.
	MixAudio(mic, system LocalTrack) (LocalTrack, error)
}
