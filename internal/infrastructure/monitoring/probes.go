package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RelayConnection reports whether the signaling relay socket is up.
type RelayConnection interface {
	Connected() bool
}

var errRelayDown = errors.New("relay socket is down")

// AddRedisCheck probes the presence store connection with a PING.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddProbe("redis", timeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// AddRelayCheck probes the signaling relay connection.
func (h *HealthChecker) AddRelayCheck(conn RelayConnection) {
	h.AddProbe("relay", 0, func(ctx context.Context) error {
		if !conn.Connected() {
			return errRelayDown
		}
		return nil
	})
}
