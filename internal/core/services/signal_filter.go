package services

import (
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/cache"
	"peercall/pkg/utils"
)

// DropReason classifies why the filter rejected an envelope. Reasons feed
// the drop counter labels.
type DropReason string

const (
	DropNone         DropReason = ""
	DropExpired      DropReason = "expired"
	DropSelf         DropReason = "self"
	DropMisaddressed DropReason = "misaddressed"
	DropDuplicate    DropReason = "duplicate"
)

// SignalFilter decides which inbound envelopes reach negotiation. Checks
// run in a fixed order: expiry, own sender, addressing, then duplicate
// suppression. An ID enters the seen set only after the earlier checks
// pass, so rejected envelopes never occupy retention space.
type SignalFilter struct {
	self domain.UserID
	seen *cache.Cache
	now  func() time.Time
}

// NewSignalFilter builds a filter for the local user. Retention must cover
// at least the envelope expiry window so a relay redelivery of a processed
// envelope is still recognized.
func NewSignalFilter(self domain.UserID, retention time.Duration) *SignalFilter {
	return &SignalFilter{
		self: self,
		seen: cache.New(retention),
		now:  utils.Now,
	}
}

// Admit returns DropNone when the envelope should be processed.
func (f *SignalFilter) Admit(env *domain.SignalEnvelope) DropReason {
	if env.Expired(f.now()) {
		return DropExpired
	}
	if env.From == f.self {
		return DropSelf
	}
	if !env.AddressedTo(f.self) {
		return DropMisaddressed
	}
	if f.seen.Contains(string(env.ID)) {
		return DropDuplicate
	}
	f.seen.Set(string(env.ID), struct{}{})
	return DropNone
}

// Reset clears the seen set. Called on channel changes so IDs from a
// previous membership cannot shadow a new one.
func (f *SignalFilter) Reset() {
	f.seen.Clear()
}

// Stop releases the seen set's sweeper.
func (f *SignalFilter) Stop() {
	f.seen.Stop()
}
