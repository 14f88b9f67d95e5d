package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/utils"
)

// DefaultEnvelopeTTL backs envelopes whose producer did not stamp an
// expiry. The relay enforces the same window.
const DefaultEnvelopeTTL = 30 * time.Second

// DecodeError reports a wire envelope that could not be turned into a
// usable SignalEnvelope. Consumers drop the envelope and move on.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode envelope: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func missingField(field string) *DecodeError {
	return &DecodeError{Field: field, Err: domain.ErrMissingField}
}

// wireEnvelope is the JSON shape envelopes travel in. Field names follow
// the browser-side conventions the rest of the wire shapes (candidates,
// user state) already use.
type wireEnvelope struct {
	ID         domain.EnvelopeID                    `json:"id"`
	Kind       domain.SignalKind                    `json:"kind"`
	ChannelID  domain.ChannelID                     `json:"channelId"`
	From       domain.UserID                        `json:"from"`
	To         domain.UserID                        `json:"to"`
	SDP        string                               `json:"sdp,omitempty"`
	Candidate  *domain.IceCandidateData             `json:"candidate,omitempty"`
	State      *domain.UserState                    `json:"state,omitempty"`
	TrackRoles map[domain.TrackID]domain.TrackRole  `json:"trackRoles,omitempty"`
	IssuedAt   time.Time                            `json:"issuedAt"`
	ExpiresAt  time.Time                            `json:"expiresAt,omitempty"`
}

// EncodeEnvelope renders an envelope to its wire form.
func EncodeEnvelope(env *domain.SignalEnvelope) ([]byte, error) {
	w := wireEnvelope{
		ID:         env.ID,
		Kind:       env.Kind,
		ChannelID:  env.ChannelID,
		From:       env.From,
		To:         env.To,
		SDP:        env.SDP,
		Candidate:  env.Candidate,
		State:      env.State,
		TrackRoles: env.TrackRoles,
		IssuedAt:   env.IssuedAt,
		ExpiresAt:  env.ExpiresAt,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates a wire envelope. Malformed JSON and
// missing required fields both come back as *DecodeError; the latter
// wraps domain.ErrMissingField. A missing expiry is filled from IssuedAt
// plus the default TTL rather than rejected.
func DecodeEnvelope(data []byte) (*domain.SignalEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch {
	case w.ID == "":
		return nil, missingField("id")
	case w.Kind == "":
		return nil, missingField("kind")
	case w.ChannelID == "":
		return nil, missingField("channelId")
	case w.From == "":
		return nil, missingField("from")
	case w.To == "":
		return nil, missingField("to")
	case w.IssuedAt.IsZero():
		return nil, missingField("issuedAt")
	}

	switch w.Kind {
	case domain.KindOffer, domain.KindAnswer:
		if w.SDP == "" {
			return nil, missingField("sdp")
		}
	case domain.KindIceCandidate:
		if w.Candidate == nil || w.Candidate.Candidate == "" {
			return nil, missingField("candidate")
		}
	case domain.KindStateUpdate:
		if w.State == nil {
			return nil, missingField("state")
		}
	}

	if w.ExpiresAt.IsZero() {
		w.ExpiresAt = w.IssuedAt.Add(DefaultEnvelopeTTL)
	}

	return &domain.SignalEnvelope{
		ID:         w.ID,
		Kind:       w.Kind,
		ChannelID:  w.ChannelID,
		From:       w.From,
		To:         w.To,
		SDP:        w.SDP,
		Candidate:  w.Candidate,
		State:      w.State,
		TrackRoles: w.TrackRoles,
		IssuedAt:   w.IssuedAt,
		ExpiresAt:  w.ExpiresAt,
	}, nil
}

// Stamp assigns the envelope its identity and validity window. Called on
// the publish path for envelopes the engine built bare.
func Stamp(env *domain.SignalEnvelope, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultEnvelopeTTL
	}
	if env.ID == "" {
		env.ID = domain.EnvelopeID(utils.NewEnvelopeID())
	}
	if env.IssuedAt.IsZero() {
		env.IssuedAt = utils.Now()
	}
	if env.ExpiresAt.IsZero() {
		env.ExpiresAt = env.IssuedAt.Add(ttl)
	}
}

// NewEnvelope builds a stamped envelope. The caller fills the payload
// field matching the kind.
func NewEnvelope(kind domain.SignalKind, channel domain.ChannelID, from, to domain.UserID, ttl time.Duration) *domain.SignalEnvelope {
	env := &domain.SignalEnvelope{
		Kind:      kind,
		ChannelID: channel,
		From:      from,
		To:        to,
	}
	Stamp(env, ttl)
	return env
}
