// Package monitoring covers the daemon's self-observation: prometheus
// metrics and the dependency probes behind the readiness endpoint.
package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	defaultProbeTimeout = 2 * time.Second
)

// A ProbeFunc reports whether one dependency is usable. A non-nil error
// marks the dependency down and its text appears in the report.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	name    string
	run     ProbeFunc
	timeout time.Duration
}

// HealthChecker runs registered dependency probes on demand and folds
// the results into a single readiness verdict.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []probe
}

// HealthStatus is the readiness report served by the control API.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddProbe registers a named probe. A non-positive timeout falls back
// to defaultProbeTimeout.
func (h *HealthChecker) AddProbe(name string, timeout time.Duration, run ProbeFunc) {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, run: run, timeout: timeout})
}

// CheckAll runs every probe concurrently, each under its own timeout,
// and reports unhealthy when any fails.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := make([]probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(probes)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			err := p.run(probeCtx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status.Status = statusUnhealthy
				status.Checks[p.name] = err.Error()
				return
			}
			status.Checks[p.name] = statusHealthy
		}(p)
	}
	wg.Wait()

	return status
}

// Healthy reports whether every probe currently passes.
func (h *HealthChecker) Healthy(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == statusHealthy
}
