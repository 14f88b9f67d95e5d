package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// SignalTransport carries envelopes to and from the relay.
type SignalTransport interface {
	// Publish sends an envelope to the channel. The transport assigns the
	// envelope ID and expiry before handing it to the relay.
	Publish(ctx context.Context, env *domain.SignalEnvelope) error

	// Catchup returns the relay's retained, non-expired envelopes for the
	// channel, oldest first, so a late joiner can recover signals sent
	// while it was connecting.
	Catchup(ctx context.Context, channel domain.ChannelID) ([]*domain.SignalEnvelope, error)

	// Subscribe starts live delivery for one channel.
	Subscribe(ctx context.Context, channel domain.ChannelID) (<-chan *domain.SignalEnvelope, error)

	Unsubscribe(channel domain.ChannelID) error

	Close() error
}
