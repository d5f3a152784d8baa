// Package proxy is the core request orchestrator of the gateway.
//
// Every completion request walks the same pipeline: authenticate the caller
// (virtual key or raw upstream key), load the key's preset and rule bindings,
// preprocess the prompt (rewrite rules, preset expansion, variable
// substitution), select a pooled upstream key, dispatch to the Gemini API,
// and finalize the request log. A request that reaches dispatch is always
// logged, streaming or not, success or failure.
//
// Key design constraints:
//   - Gateway overhead stays off the hot path: request logging is async,
//     counter updates are batched into one store call per request.
//   - Preprocessing never fails a request. Broken rules and presets are
//     skipped and counted.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/gproxyhq/gproxy/internal/convert"
	"github.com/gproxyhq/gproxy/internal/keypool"
	"github.com/gproxyhq/gproxy/internal/logger"
	"github.com/gproxyhq/gproxy/internal/metrics"
	"github.com/gproxyhq/gproxy/internal/preset"
	"github.com/gproxyhq/gproxy/internal/ratelimit"
	"github.com/gproxyhq/gproxy/internal/rewrite"
	"github.com/gproxyhq/gproxy/internal/schema"
	"github.com/gproxyhq/gproxy/internal/store"
	"github.com/gproxyhq/gproxy/internal/vars"
	"github.com/gproxyhq/gproxy/pkg/apierr"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Verifier, when set, lets the health checker probe upstream
	// reachability with a pooled key.
	Verifier *keypool.Verifier

	// Version is reported by GET /health.
	Version string
}

// Gateway wires the pipeline together — all dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	store    store.Store
	pool     *keypool.Manager
	upstream *UpstreamClient
	rewriter *rewrite.Engine
	resolver *vars.Resolver
	conv     *convert.Converter
	health   *HealthChecker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	version string

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, st store.Store, pool *keypool.Manager, up *UpstreamClient) *Gateway {
	return NewGatewayWithOptions(ctx, st, pool, up, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway.
func NewGatewayWithOptions(
	baseCtx context.Context,
	st store.Store,
	pool *keypool.Manager,
	up *UpstreamClient,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	gw := &Gateway{
		store:    st,
		pool:     pool,
		upstream: up,
		rewriter: rewrite.New(log),
		resolver: vars.New(),
		conv:     convert.New(),
		baseCtx:  baseCtx,
		log:      log,
		metrics:  opts.Metrics,
		version:  version,
	}
	if opts.Metrics != nil {
		gw.rewriter.SetRecorder(opts.Metrics.RecordRewrite)
	}

	gw.health = NewHealthChecker(baseCtx, pool, opts.Verifier, gw.metrics)

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (stdout or ClickHouse sink).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// Close stops the background health prober.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Per-request context ───────────────────────────────────────────────────────

// requestContext carries everything resolved for one request. It is built
// during authentication and context loading and treated as immutable
// afterwards.
type requestContext struct {
	requestID string
	start     time.Time

	// Exactly one of virtual/rawKey identifies the caller. A raw key request
	// has an empty binding and bypasses the pool.
	virtual *store.VirtualKey
	rawKey  string

	binding store.Binding

	// upstreamKey is the pooled key selected for dispatch (virtual auth
	// only). keySelected guards ReportOutcome.
	upstreamKey store.UpstreamKey
	keySelected bool

	logEntry store.RequestLog
}

// credential returns the upstream key to send: the pooled key for virtual
// auth, the caller's own key for passthrough auth.
func (rc *requestContext) credential() string {
	if rc.virtual != nil {
		return rc.upstreamKey.Secret
	}
	return rc.rawKey
}

func (rc *requestContext) virtualKeyID() int64 {
	if rc.virtual == nil {
		return 0
	}
	return rc.virtual.ID
}

// globalRules returns the global rule set, or nothing when the key opted out.
func (rc *requestContext) globalRules() []rewrite.Rule {
	if rc.virtual == nil || !rc.virtual.RegexEnabled {
		return nil
	}
	return rc.binding.GlobalRules
}

// ── Authentication ────────────────────────────────────────────────────────────

// extractCredential pulls the caller's key from the three accepted locations:
// Authorization bearer token, x-goog-api-key header, or ?key= query
// parameter. All three resolve identically.
func extractCredential(ctx *fasthttp.RequestCtx) string {
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))); raw != "" {
		if tok := parseBearerToken(raw); tok != "" {
			return tok
		}
	}
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("x-goog-api-key"))); raw != "" {
		return raw
	}
	return strings.TrimSpace(string(ctx.QueryArgs().Peek("key")))
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate resolves the caller into a requestContext. A "gapi-" secret
// must map to an active virtual key; any other non-empty secret passes
// through as a raw upstream key with an empty context. The bool result is
// false when a 401 was already written.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*requestContext, bool) {
	reqID, _ := ctx.UserValue("request_id").(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	rc := &requestContext{
		requestID: reqID,
		start:     time.Now(),
	}

	cred := extractCredential(ctx)
	if cred == "" {
		g.unauthorized(ctx, reqID, "missing credentials")
		return nil, false
	}

	if !strings.HasPrefix(cred, store.VirtualKeyPrefix) {
		rc.rawKey = cred
		return rc, true
	}

	vk, err := g.store.LoadVirtualKey(ctx, cred)
	if err != nil || !vk.IsActive {
		g.unauthorized(ctx, reqID, "unknown or inactive virtual key")
		return nil, false
	}
	rc.virtual = &vk

	binding, err := g.store.LoadPresetAndRules(ctx, vk)
	if err != nil {
		// Context load failure degrades to a bare pipeline, not a 500.
		g.log.WarnContext(ctx, "binding load failed",
			slog.String("request_id", reqID),
			slog.Int64("virtual_key_id", vk.ID),
			slog.String("error", err.Error()),
		)
		binding = store.Binding{}
	}
	rc.binding = binding

	return rc, true
}

func (g *Gateway) unauthorized(ctx *fasthttp.RequestCtx, reqID, reason string) {
	g.log.InfoContext(ctx, "unauthorized",
		slog.String("request_id", reqID),
		slog.String("reason", reason),
	)
	if g.metrics != nil {
		g.metrics.RecordError("auth", "unauthorized")
	}
	apierr.WriteUnauthorized(ctx)
}

// ── Preprocessing ─────────────────────────────────────────────────────────────

// preprocess rewrites the prompt in place: pre rules (global first, then
// preset-scoped), preset expansion, then variable substitution on every text
// message. Only virtual-key requests carry a context; raw-key requests pass
// through untouched.
func (g *Gateway) preprocess(rc *requestContext, req *schema.ChatRequest) {
	if rc.virtual == nil {
		return
	}

	global := rc.globalRules()
	local := rc.binding.LocalRules

	for i := range req.Messages {
		g.rewriteMessage(&req.Messages[i], func(text string) string {
			return g.rewriter.ApplyPre(text, global, local)
		})
	}

	if rc.binding.Preset != nil {
		expanded, ok := preset.Expand(req.Messages, rc.binding.Preset.Items)
		if ok {
			req.Messages = expanded
			if g.metrics != nil {
				g.metrics.RecordPresetExpansion("applied")
			}
		} else {
			g.log.Warn("preset expanded to nothing, keeping original messages",
				slog.String("request_id", rc.requestID),
				slog.Int64("preset_id", rc.binding.Preset.ID),
			)
			if g.metrics != nil {
				g.metrics.RecordPresetExpansion("empty")
			}
		}
	} else if g.metrics != nil {
		g.metrics.RecordPresetExpansion("none")
	}

	for i := range req.Messages {
		g.rewriteMessage(&req.Messages[i], g.resolver.Resolve)
	}
}

// rewriteMessage applies fn to every text payload of one message.
func (g *Gateway) rewriteMessage(m *schema.ChatMessage, fn func(string) string) {
	if m.IsText() {
		m.Content = fn(m.Content)
		return
	}
	for i := range m.Parts {
		if m.Parts[i].Type == "text" {
			m.Parts[i].Text = fn(m.Parts[i].Text)
		}
	}
}

// postprocess applies post rules to response text: preset-scoped first, then
// global — the mirror of preprocessing.
func (g *Gateway) postprocess(rc *requestContext, text string) string {
	if rc.virtual == nil {
		return text
	}
	return g.rewriter.ApplyPost(text, rc.globalRules(), rc.binding.LocalRules)
}

// ── Key selection and accounting ──────────────────────────────────────────────

// selectKey picks a pooled key for virtual-key requests. Raw-key requests
// skip the pool entirely. The bool result is false when an error response
// was already written.
func (g *Gateway) selectKey(ctx *fasthttp.RequestCtx, rc *requestContext) bool {
	if rc.virtual == nil {
		return true
	}

	key, err := g.pool.Select(ctx)
	if err != nil {
		if err == keypool.ErrNoActiveKeys {
			g.log.ErrorContext(ctx, "upstream key pool exhausted",
				slog.String("request_id", rc.requestID),
			)
			if g.metrics != nil {
				g.metrics.RecordError("dispatch", "no_active_keys")
			}
			apierr.WriteNoActiveKeys(ctx)
		} else {
			g.log.ErrorContext(ctx, "key selection failed",
				slog.String("request_id", rc.requestID),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"key selection failed", apierr.TypeServerError, apierr.CodeInternalError)
		}
		g.finalizeLog(rc, store.LogError, fasthttp.StatusServiceUnavailable, 0, 0, 0)
		return false
	}

	rc.upstreamKey = key
	rc.keySelected = true
	return true
}

// reportOutcome feeds the upstream verdict back to the pool. No-op for raw
// key requests.
func (g *Gateway) reportOutcome(rc *requestContext, statusCode, inTok, outTok int) {
	if !rc.keySelected {
		return
	}
	g.pool.ReportOutcome(g.baseCtx, rc.upstreamKey.ID, statusCode, inTok, outTok)
	if g.metrics != nil && (statusCode == 401 || statusCode == 403) {
		g.metrics.RecordKeyDeactivation()
	}
}

// ── Request logging ───────────────────────────────────────────────────────────

// openLog creates the pending log entry. Failures are logged and tolerated;
// a broken log store must not block traffic.
func (g *Gateway) openLog(rc *requestContext, model string, isStream bool) {
	rc.logEntry = store.RequestLog{
		VirtualKeyID: rc.virtualKeyID(),
		Model:        model,
		Status:       store.LogPending,
		IsStream:     isStream,
		CreatedAt:    time.Now(),
	}
	if rc.virtual != nil {
		rc.logEntry.OwnerID = rc.virtual.OwnerID
	}
	if err := g.store.AppendLog(g.baseCtx, &rc.logEntry); err != nil {
		g.log.Warn("request log append failed",
			slog.String("request_id", rc.requestID),
			slog.String("error", err.Error()),
		)
	}
}

// finalizeLog marks the entry ok or error exactly once and mirrors it into
// the async analytics logger.
func (g *Gateway) finalizeLog(rc *requestContext, status string, statusCode, inTok, outTok int, ttft time.Duration) {
	rc.logEntry.Status = status
	rc.logEntry.StatusCode = statusCode
	rc.logEntry.Latency = time.Since(rc.start)
	rc.logEntry.TTFT = ttft
	rc.logEntry.InputTokens = inTok
	rc.logEntry.OutputTokens = outTok

	if rc.logEntry.ID != 0 {
		if err := g.store.UpdateLog(g.baseCtx, &rc.logEntry); err != nil {
			g.log.Warn("request log update failed",
				slog.String("request_id", rc.requestID),
				slog.String("error", err.Error()),
			)
		}
	}

	if g.reqLogger != nil {
		reqUUID, _ := uuid.Parse(rc.requestID)
		g.reqLogger.Log(logger.Entry{
			RequestID:    reqUUID,
			LogID:        rc.logEntry.ID,
			Model:        rc.logEntry.Model,
			Status:       status,
			StatusCode:   statusCode,
			LatencyMs:    rc.logEntry.Latency.Milliseconds(),
			TTFTMs:       ttft.Milliseconds(),
			IsStream:     rc.logEntry.IsStream,
			InputTokens:  inTok,
			OutputTokens: outTok,
			VirtualKeyID: rc.logEntry.VirtualKeyID,
			OwnerID:      rc.logEntry.OwnerID,
			CreatedAt:    time.Now(),
		})
	}

	if g.metrics != nil {
		g.metrics.AddTokens(rc.logEntry.Model, inTok, outTok)
	}
}

// estimateTokens approximates a token count as len(text)/4 when the upstream
// omits usage metadata.
func estimateTokens(text string) int {
	return len(text) / 4
}
