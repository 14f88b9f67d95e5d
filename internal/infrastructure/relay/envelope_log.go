package relay

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const signalKeyPrefix = "peercall:signals:"

// EnvelopeLog retains published envelopes in redis so a member that joins
// mid-burst can catch up on signals relayed while it was connecting.
// Entries are scored by issue time and pruned past the retention window;
// the key itself expires so idle channels leave nothing behind.
type EnvelopeLog struct {
	client    *redis.Client
	retention time.Duration
	logger    *zap.SugaredLogger
}

func NewEnvelopeLog(client *redis.Client, retention time.Duration, logger *zap.SugaredLogger) *EnvelopeLog {
	if retention <= 0 {
		retention = DefaultEnvelopeTTL
	}
	return &EnvelopeLog{
		client:    client,
		retention: retention,
		logger:    logger,
	}
}

func (l *EnvelopeLog) signalKey(channel domain.ChannelID, to domain.UserID) string {
	return fmt.Sprintf("%s%s:%s", signalKeyPrefix, channel, to)
}

// Append retains one published envelope, pruning entries that have aged
// out of the retention window on the way.
func (l *EnvelopeLog) Append(ctx context.Context, env *domain.SignalEnvelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	key := l.signalKey(env.ChannelID, env.To)
	cutoff := utils.Now().Add(-l.retention).UnixNano()

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(env.IssuedAt.UnixNano()),
		Member: data,
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, l.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retain envelope in redis: %w", err)
	}
	return nil
}

// Fetch returns the retained, non-expired envelopes addressed to the user
// (directly or via broadcast), oldest first. Entries that no longer
// decode are skipped, not fatal.
func (l *EnvelopeLog) Fetch(ctx context.Context, channel domain.ChannelID, user domain.UserID) ([]*domain.SignalEnvelope, error) {
	now := utils.Now()
	var out []*domain.SignalEnvelope

	for _, to := range []domain.UserID{user, domain.EveryoneID} {
		key := l.signalKey(channel, to)
		raw, err := l.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read envelope log %s: %w", key, err)
		}

		for _, item := range raw {
			env, err := DecodeEnvelope([]byte(item))
			if err != nil {
				l.logger.Debugw("skipping undecodable retained envelope", "key", key, "error", err)
				continue
			}
			if env.Expired(now) {
				continue
			}
			out = append(out, env)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}
