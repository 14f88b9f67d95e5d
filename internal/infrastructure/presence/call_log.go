package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	callLogKeyPrefix = "peercall:calllog:"

	// callLogMaxEntries caps each user's history list.
	callLogMaxEntries = 500
)

// CallLog is the redis-backed ports.CallLogWriter: one capped list of
// history entries per user, newest at the tail.
type CallLog struct {
	client *redis.Client
}

var _ ports.CallLogWriter = (*CallLog)(nil)

func NewCallLog(client *redis.Client) *CallLog {
	return &CallLog{client: client}
}

func (l *CallLog) Append(ctx context.Context, owner domain.UserID, entry domain.CallLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal call log entry: %w", err)
	}

	key := callLogKeyPrefix + string(owner)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -callLogMaxEntries, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append call log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit history entries for owner, newest first.
func (l *CallLog) Recent(ctx context.Context, owner domain.UserID, limit int) ([]domain.CallLogEntry, error) {
	if limit <= 0 || limit > callLogMaxEntries {
		limit = callLogMaxEntries
	}

	key := callLogKeyPrefix + string(owner)
	raw, err := l.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call log: %w", err)
	}

	entries := make([]domain.CallLogEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry domain.CallLogEntry
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
