package ports

import (
	"context"
	"time"

	"peercall/internal/core/domain"
)

// CallEngine is the control surface the local API drives.
type CallEngine interface {
	JoinChannel(ctx context.Context, channel domain.ChannelID) error
	LeaveChannel(ctx context.Context) error

	StartCall(ctx context.Context, to domain.UserID, callType domain.CallType) (*domain.CallRecord, error)
	AnswerCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error

	SetMuted(ctx context.Context, muted bool) error
	SetDeafened(ctx context.Context, deafened bool) error
	SetVideo(ctx context.Context, on bool) error
	SetScreenShare(ctx context.Context, on bool) error
	// RefreshCamera swaps the camera source in place after a device
	// change, without a negotiation round.
	RefreshCamera(ctx context.Context) error

	Participants() []domain.Participant
	Stats() domain.EngineStats

	Close() error
}

// MetricsSink receives engine events for monitoring backends.
type MetricsSink interface {
	SignalReceived(kind domain.SignalKind)
	SignalDropped(reason string)
	SignalSent(kind domain.SignalKind)
	GlareDetected()
	SessionOpened()
	SessionClosed()
	CallConcluded(outcome domain.CallOutcome, duration time.Duration)
	QueueDepth(n int)
}
