package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gproxyhq/gproxy/internal/config"
	"github.com/gproxyhq/gproxy/internal/keypool"
	"github.com/gproxyhq/gproxy/internal/logger"
	"github.com/gproxyhq/gproxy/internal/metrics"
	"github.com/gproxyhq/gproxy/internal/preset"
	"github.com/gproxyhq/gproxy/internal/proxy"
	"github.com/gproxyhq/gproxy/internal/ratelimit"
	"github.com/gproxyhq/gproxy/internal/rewrite"
	"github.com/gproxyhq/gproxy/internal/store"
)

// initInfra establishes optional external connections.
// Redis is only required when STORE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Store.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initStore builds the persistence backend, seeds it from the declarative
// config, and constructs the key pool manager on top.
func (a *App) initStore(ctx context.Context) error {
	upstreamKeys := make([]store.UpstreamKey, len(a.cfg.Upstream.Keys))
	for i, secret := range a.cfg.Upstream.Keys {
		upstreamKeys[i] = store.UpstreamKey{
			ID:       int64(i + 1),
			Secret:   secret,
			IsActive: true,
		}
	}

	switch a.cfg.Store.Mode {
	case "redis":
		rs := store.NewRedisStoreFromClient(a.rdb)
		if err := rs.SeedUpstreamKeys(ctx, upstreamKeys); err != nil {
			return err
		}
		for _, vk := range a.cfg.Seed.VirtualKeys {
			if err := rs.SeedVirtualKey(ctx, seedVirtualKey(vk)); err != nil {
				return err
			}
		}
		for _, p := range a.cfg.Seed.Presets {
			if err := rs.SeedPreset(ctx, seedPreset(p), seedRules(p.Rules)); err != nil {
				return err
			}
		}
		if err := rs.SeedGlobalRules(ctx, seedRules(a.cfg.Seed.GlobalRules)); err != nil {
			return err
		}
		a.st = rs
		a.log.Info("store backend: redis")

	case "memory":
		ms := store.NewMemoryStore()
		ms.SeedUpstreamKeys(upstreamKeys)
		for _, vk := range a.cfg.Seed.VirtualKeys {
			ms.SeedVirtualKey(seedVirtualKey(vk))
		}
		for _, p := range a.cfg.Seed.Presets {
			ms.SeedPreset(seedPreset(p), seedRules(p.Rules))
		}
		ms.SeedGlobalRules(seedRules(a.cfg.Seed.GlobalRules))
		a.st = ms
		a.log.Info("store backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	a.pool = keypool.NewManager(a.st, a.log)

	if a.cfg.Upstream.VerifyOnStart {
		verifier := a.buildVerifier()
		failed, err := a.pool.VerifyPool(ctx, verifier)
		if err != nil {
			return fmt.Errorf("key verification: %w", err)
		}
		a.log.Info("upstream keys verified",
			slog.Int("total", len(upstreamKeys)),
			slog.Int("failed", len(failed)),
		)
	}

	return nil
}

// initServices creates the async request logger and Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	var sink logger.Sink
	if a.cfg.ClickHouse.Addr != "" {
		ch, err := logger.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		sink = ch
		a.log.Info("request log sink: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	} else {
		a.log.Info("request log sink: stdout")
	}

	reqLogger, err := logger.New(ctx, sink, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	upstream := proxy.NewUpstreamClient(a.cfg.Upstream.BaseURL, proxy.Timeouts{
		Connect: a.cfg.Upstream.ConnectTimeout,
		Request: a.cfg.Upstream.RequestTimeout,
		Stream:  a.cfg.Upstream.StreamTimeout,
	})

	opts := proxy.GatewayOptions{
		Logger:   a.log,
		Metrics:  a.prom,
		Verifier: a.buildVerifier(),
		Version:  a.version,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.st, a.pool, upstream, opts)

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && (a.cfg.RateLimit.RPMLimit > 0 || a.cfg.RateLimit.PerKeyRPMLimit > 0) {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb,
			a.cfg.RateLimit.RPMLimit, a.cfg.RateLimit.PerKeyRPMLimit))
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.Int("per_key_rpm_limit", a.cfg.RateLimit.PerKeyRPMLimit),
		)
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

func (a *App) buildVerifier() *keypool.Verifier {
	var opts []keypool.VerifierOption
	if a.cfg.Upstream.BaseURL != "" {
		opts = append(opts, keypool.WithBaseURL(a.cfg.Upstream.BaseURL))
	}
	return keypool.NewVerifier(opts...)
}

// ── Seed conversion ──────────────────────────────────────────────────────────

func seedVirtualKey(vk config.SeedVirtualKey) store.VirtualKey {
	return store.VirtualKey{
		ID:           vk.ID,
		Secret:       vk.Secret,
		OwnerID:      vk.OwnerID,
		IsActive:     vk.IsActive,
		PresetID:     vk.PresetID,
		RegexEnabled: vk.RegexEnabled,
	}
}

func seedPreset(p config.SeedPreset) preset.Preset {
	items := make([]preset.Item, len(p.Items))
	for i, it := range p.Items {
		items[i] = preset.Item{
			Type:    it.Type,
			Role:    it.Role,
			Content: it.Content,
			Enabled: it.Enabled,
			Order:   it.Order,
		}
	}
	return preset.Preset{
		ID:        p.ID,
		OwnerID:   p.OwnerID,
		Name:      p.Name,
		IsActive:  p.IsActive,
		SortOrder: p.SortOrder,
		Items:     items,
	}
}

func seedRules(rules []config.SeedRule) []rewrite.Rule {
	out := make([]rewrite.Rule, len(rules))
	for i, r := range rules {
		out[i] = rewrite.Rule{
			ID:          r.ID,
			Name:        r.Name,
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
			Kind:        r.Kind,
			IsActive:    r.IsActive,
			SortOrder:   r.SortOrder,
		}
	}
	return out
}
