package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/gproxyhq/gproxy/internal/keypool"
	"github.com/gproxyhq/gproxy/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes over the key pool and, when a
// verifier is configured, the upstream API, and exposes the latest results.
type HealthChecker struct {
	pool     *keypool.Manager
	verifier *keypool.Verifier
	baseCtx  context.Context
	metrics  *metrics.Registry

	poolStatus     componentStatus
	upstreamStatus componentStatus

	activeKeys int
	totalKeys  int
	countsMu   sync.RWMutex

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. A nil verifier skips the upstream probe and reports it "ok".
func NewHealthChecker(
	ctx context.Context,
	pool *keypool.Manager,
	verifier *keypool.Verifier,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		pool:      pool,
		verifier:  verifier,
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the GET /health payload.
type HealthSnapshot struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	KeyPool       string `json:"key_pool"`
	ActiveKeys    int    `json:"active_keys"`
	TotalKeys     int    `json:"total_keys"`
	Upstream      string `json:"upstream"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	hc.countsMu.RLock()
	active, total := hc.activeKeys, hc.totalKeys
	hc.countsMu.RUnlock()

	poolSt := hc.poolStatus.get()
	upSt := hc.upstreamStatus.get()

	overall := "ok"
	if poolSt != "ok" || upSt == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		KeyPool:       poolSt,
		ActiveKeys:    active,
		TotalKeys:     total,
		Upstream:      upSt,
	}
}

// ReadinessOK returns true while at least one upstream key is in rotation
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.poolStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	active, total := 0, 0
	var err error
	if hc.pool != nil {
		active, total, err = hc.pool.ActiveCount(ctx)
	}

	hc.countsMu.Lock()
	hc.activeKeys, hc.totalKeys = active, total
	hc.countsMu.Unlock()

	switch {
	case err != nil:
		hc.poolStatus.set("down")
	case active == 0:
		hc.poolStatus.set("degraded")
	default:
		hc.poolStatus.set("ok")
	}
	if hc.metrics != nil {
		hc.metrics.SetKeyPool(active, total)
	}

	// Upstream probe uses one active pooled key; without a verifier or an
	// active key the probe is skipped and reported ok.
	if hc.verifier == nil {
		hc.upstreamStatus.set("ok")
		return
	}
	secret := hc.firstActiveSecret(ctx)
	if secret == "" {
		hc.upstreamStatus.set("ok")
		return
	}
	if err := hc.verifier.Verify(ctx, secret); err != nil {
		hc.upstreamStatus.set("down")
		if hc.metrics != nil {
			hc.metrics.SetUpstreamHealth(false)
		}
		return
	}
	hc.upstreamStatus.set("ok")
	if hc.metrics != nil {
		hc.metrics.SetUpstreamHealth(true)
	}
}

func (hc *HealthChecker) firstActiveSecret(ctx context.Context) string {
	if hc.pool == nil {
		return ""
	}
	keys, err := hc.pool.Keys(ctx)
	if err != nil {
		return ""
	}
	for _, k := range keys {
		if k.IsActive {
			return k.Secret
		}
	}
	return ""
}
