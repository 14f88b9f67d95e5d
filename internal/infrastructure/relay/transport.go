package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// Transport is the production ports.SignalTransport: live delivery over
// the websocket client, retained delivery through the redis envelope log.
// Published envelopes go out on the socket first and are then mirrored
// into the log so late joiners can catch up. The mirror sits behind a
// circuit breaker so a redis outage costs one timeout per trip, not one
// per signal.
type Transport struct {
	client *Client
	log    *EnvelopeLog
	logCB  *circuitbreaker.CircuitBreaker
	self   domain.UserID
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[domain.ChannelID]chan *domain.SignalEnvelope
}

var _ ports.SignalTransport = (*Transport)(nil)

// NewTransport builds the transport and its websocket client, then dials
// the relay.
func NewTransport(ctx context.Context, cfg ClientConfig, minter *TokenMinter, log *EnvelopeLog, self domain.UserID, ttl time.Duration, logger *zap.SugaredLogger) (*Transport, error) {
	t := &Transport{
		log:    log,
		logCB:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		self:   self,
		ttl:    ttl,
		logger: logger,
		subs:   make(map[domain.ChannelID]chan *domain.SignalEnvelope),
	}
	t.logCB.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("envelope log circuit state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	t.client = NewClient(cfg, self, minter, t.route, logger)

	if err := t.client.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Publish stamps the envelope if the engine built it bare, sends it live
// and mirrors it into the catch-up log. The mirror is best-effort: live
// delivery already happened and the log only serves stragglers.
func (t *Transport) Publish(ctx context.Context, env *domain.SignalEnvelope) error {
	Stamp(env, t.ttl)

	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	if err := t.client.SendSignal(ctx, data); err != nil {
		return fmt.Errorf("publish %s signal: %w", env.Kind, err)
	}

	if err := t.logCB.Execute(ctx, func() error {
		return t.log.Append(ctx, env)
	}); err != nil {
		t.logger.Warnw("failed to retain envelope for catch-up",
			"envelope_id", env.ID,
			"kind", env.Kind,
			"error", err,
		)
	}
	return nil
}

// Catchup returns retained envelopes addressed to us, oldest first.
func (t *Transport) Catchup(ctx context.Context, channel domain.ChannelID) ([]*domain.SignalEnvelope, error) {
	return t.log.Fetch(ctx, channel, t.self)
}

// Connected reports whether the relay socket is currently up.
func (t *Transport) Connected() bool {
	return t.client.Connected()
}

// Subscribe starts live delivery for the channel. One subscription per
// channel; the returned channel closes on Unsubscribe.
func (t *Transport) Subscribe(ctx context.Context, channel domain.ChannelID) (<-chan *domain.SignalEnvelope, error) {
	t.mu.Lock()
	if _, ok := t.subs[channel]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s", channel)
	}
	ch := make(chan *domain.SignalEnvelope, 64)
	t.subs[channel] = ch
	t.mu.Unlock()

	if err := t.client.Subscribe(ctx, channel); err != nil {
		t.mu.Lock()
		delete(t.subs, channel)
		t.mu.Unlock()
		close(ch)
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return ch, nil
}

func (t *Transport) Unsubscribe(channel domain.ChannelID) error {
	t.mu.Lock()
	ch, ok := t.subs[channel]
	if ok {
		delete(t.subs, channel)
		close(ch)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return t.client.Unsubscribe(context.Background(), channel)
}

// route delivers one inbound envelope to its channel's subscriber. Sends
// stay under the read lock so a concurrent Unsubscribe cannot close the
// channel mid-send.
func (t *Transport) route(env *domain.SignalEnvelope) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.subs[env.ChannelID]
	if !ok {
		t.logger.Debugw("dropping envelope for unsubscribed channel",
			"channel_id", env.ChannelID,
			"kind", env.Kind,
		)
		return
	}

	select {
	case ch <- env:
	default:
		t.logger.Warnw("subscriber queue full, dropping envelope",
			"channel_id", env.ChannelID,
			"envelope_id", env.ID,
			"kind", env.Kind,
		)
	}
}

func (t *Transport) Close() error {
	err := t.client.Close()

	t.mu.Lock()
	for channel, ch := range t.subs {
		delete(t.subs, channel)
		close(ch)
	}
	t.mu.Unlock()

	return err
}
