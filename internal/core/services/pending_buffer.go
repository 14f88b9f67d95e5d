package services

import "peercall/internal/core/domain"

// PendingBuffer holds envelopes that arrive before the local user has
// finished joining their channel, e.g. signals sent by the caller while the
// callee is still ringing. Bounded FIFO; overflow evicts the oldest entry,
// since newer signaling supersedes older rounds. Engine dispatch goroutine
// only.
type PendingBuffer struct {
	entries []*domain.SignalEnvelope
	max     int
}

func NewPendingBuffer(max int) *PendingBuffer {
	if max <= 0 {
		max = 1
	}
	return &PendingBuffer{max: max}
}

// Add appends an envelope and returns the evicted entry, if any.
func (b *PendingBuffer) Add(env *domain.SignalEnvelope) *domain.SignalEnvelope {
	var dropped *domain.SignalEnvelope
	if len(b.entries) >= b.max {
		dropped = b.entries[0]
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, env)
	return dropped
}

// Drain returns the buffered envelopes in arrival order and empties the
// buffer. Each envelope is handed out exactly once.
func (b *PendingBuffer) Drain() []*domain.SignalEnvelope {
	out := b.entries
	b.entries = nil
	return out
}

func (b *PendingBuffer) Clear() {
	b.entries = nil
}

func (b *PendingBuffer) Len() int {
	return len(b.entries)
}
