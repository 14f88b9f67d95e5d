package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// PresenceStore persists call records and notifies watchers of changes.
type PresenceStore interface {
	CreateCall(ctx context.Context, rec *domain.CallRecord) error
	// UpdateCallStatus advances the record's status, stamps the matching
	// timestamp and returns the updated record. Transitions out of a
	// concluded status return domain.ErrCallConcluded.
	UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) (*domain.CallRecord, error)
	GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	ActiveCallFor(ctx context.Context, user domain.UserID) (*domain.CallRecord, error)
	// Watch streams every call record change visible to this node.
	Watch(ctx context.Context) (<-chan domain.CallRecord, error)
	Close() error
}

// CallLogWriter appends concluded calls to the owner's durable history.
// Each side of a call writes its own entry.
type CallLogWriter interface {
	Append(ctx context.Context, owner domain.UserID, entry domain.CallLogEntry) error
}
