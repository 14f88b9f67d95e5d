package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/distributed"
	"peercall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	callKeyPrefix     = "peercall:call:"
	activeKeyPrefix   = "peercall:activecall:"
	callLockKeyPrefix = "peercall:calllock:"

	// callEventsChannel carries every record change; both sides of a call
	// watch it regardless of which node wrote the change.
	callEventsChannel = "peercall:calls"

	// callRecordTTL bounds how long a concluded or abandoned record can
	// linger in redis.
	callRecordTTL = 24 * time.Hour

	callLockTTL  = 5 * time.Second
	callLockWait = 2 * time.Second
)

// CallStore is the redis-backed ports.PresenceStore: call records as JSON
// values, a per-user active-call index, and a pub/sub feed of changes.
type CallStore struct {
	client *redis.Client
	logger *zap.SugaredLogger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ ports.PresenceStore = (*CallStore)(nil)

func NewCallStore(client *redis.Client, logger *zap.SugaredLogger) *CallStore {
	return &CallStore{
		client: client,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (s *CallStore) callKey(id domain.CallID) string {
	return callKeyPrefix + string(id)
}

func (s *CallStore) activeKey(user domain.UserID) string {
	return activeKeyPrefix + string(user)
}

// CreateCall persists a fresh ringing record, indexes it as the active
// call for both sides and announces it to watchers. The pair channel is
// locked for the duration so two users dialing each other in the same
// instant cannot both pass the busy check.
func (s *CallStore) CreateCall(ctx context.Context, rec *domain.CallRecord) error {
	lock := distributed.NewLock(s.client, callLockKeyPrefix+string(rec.ChannelID), callLockTTL)
	if err := lock.Acquire(ctx, callLockWait); err != nil {
		return fmt.Errorf("failed to lock call channel: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warnw("call channel unlock failed", "channel", rec.ChannelID, "error", err)
		}
	}()

	for _, user := range []domain.UserID{rec.CallerID, rec.ReceiverID} {
		live, err := s.ActiveCallFor(ctx, user)
		if err != nil {
			return err
		}
		if live != nil {
			return domain.ErrCallInProgress
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.callKey(rec.ID), data, callRecordTTL)
	pipe.Set(ctx, s.activeKey(rec.CallerID), string(rec.ID), callRecordTTL)
	pipe.Set(ctx, s.activeKey(rec.ReceiverID), string(rec.ID), callRecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store call record: %w", err)
	}

	return s.announce(ctx, data)
}

// UpdateCallStatus advances the record and stamps the matching timestamp.
// Transitions serialize on the pair channel lock so status only moves
// forward even when both sides update at once; repeating the current
// status is a harmless no-op so both sides can race the same conclusion.
func (s *CallStore) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) (*domain.CallRecord, error) {
	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := distributed.NewLock(s.client, callLockKeyPrefix+string(rec.ChannelID), callLockTTL)
	if err := lock.Acquire(ctx, callLockWait); err != nil {
		return nil, fmt.Errorf("failed to lock call channel: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warnw("call channel unlock failed", "channel", rec.ChannelID, "error", err)
		}
	}()

	// Re-read under the lock; the first read only located the channel.
	rec, err = s.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Status == status {
		return rec, nil
	}
	if rec.Concluded() {
		return nil, domain.ErrCallConcluded
	}

	now := utils.Now()
	rec.Status = status
	switch status {
	case domain.CallStatusAnswered:
		rec.AnsweredAt = now
	case domain.CallStatusDeclined, domain.CallStatusEnded:
		rec.EndedAt = now
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.callKey(id), data, redis.KeepTTL)
	if rec.Concluded() {
		pipe.Del(ctx, s.activeKey(rec.CallerID), s.activeKey(rec.ReceiverID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to update call record: %w", err)
	}

	if err := s.announce(ctx, data); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *CallStore) GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	data, err := s.client.Get(ctx, s.callKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}

	var rec domain.CallRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &rec, nil
}

// ActiveCallFor returns the user's live call, nil when idle. A stale
// index entry pointing at a concluded or vanished record is cleaned up on
// the way.
func (s *CallStore) ActiveCallFor(ctx context.Context, user domain.UserID) (*domain.CallRecord, error) {
	id, err := s.client.Get(ctx, s.activeKey(user)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active call index: %w", err)
	}

	rec, err := s.GetCall(ctx, domain.CallID(id))
	if err == domain.ErrCallNotFound {
		s.client.Del(ctx, s.activeKey(user))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Concluded() {
		s.client.Del(ctx, s.activeKey(user))
		return nil, nil
	}
	return rec, nil
}

// Watch streams call record changes until the context is cancelled or the
// store closes, then closes the returned channel.
func (s *CallStore) Watch(ctx context.Context) (<-chan domain.CallRecord, error) {
	pubsub := s.client.Subscribe(ctx, callEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to call events: %w", err)
	}

	out := make(chan domain.CallRecord, 16)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		pubsub.Close()
	}()
	go func() {
		defer s.wg.Done()
		defer close(out)
		for msg := range pubsub.Channel() {
			var rec domain.CallRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				s.logger.Warnw("dropping unparseable call event", "error", err)
				continue
			}
			select {
			case out <- rec:
			case <-s.closed:
				return
			}
		}
	}()

	return out, nil
}

func (s *CallStore) announce(ctx context.Context, data []byte) error {
	if err := s.client.Publish(ctx, callEventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to announce call event: %w", err)
	}
	return nil
}

func (s *CallStore) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}
