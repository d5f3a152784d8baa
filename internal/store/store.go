// Package store persists gateway state: the upstream key pool, virtual keys,
// preset and rule bindings, the round-robin cursor, and request logs.
//
// Two backends are available:
//   - RedisStore  — Redis-backed, recommended for multi-replica deployments.
//   - MemoryStore — in-process, zero external dependencies. Ideal for
//     single-instance deployments or local development.
//
// Both implement the Store interface so they are fully interchangeable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gproxyhq/gproxy/internal/preset"
	"github.com/gproxyhq/gproxy/internal/rewrite"
)

// VirtualKeyPrefix marks secrets issued by the gateway itself. Anything else
// presented as credentials is treated as a raw upstream key.
const VirtualKeyPrefix = "gapi-"

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("store: not found")

// UpstreamKey is one real provider API key in the rotation pool.
// Keys are deactivated, never deleted, when the provider rejects them.
type UpstreamKey struct {
	ID          int64  `json:"id"`
	Secret      string `json:"secret"`
	OwnerID     int64  `json:"owner_id"`
	IsActive    bool   `json:"is_active"`
	UsageCount  int64  `json:"usage_count"`
	ErrorCount  int64  `json:"error_count"`
	TotalTokens int64  `json:"total_tokens"`
	LastStatus  int    `json:"last_status"`
}

// VirtualKey is a gateway-issued credential multiplexed over the pool.
type VirtualKey struct {
	ID           int64  `json:"id"`
	Secret       string `json:"secret"`
	OwnerID      int64  `json:"owner_id"`
	IsActive     bool   `json:"is_active"`
	PresetID     int64  `json:"preset_id"` // 0 = no preset bound
	RegexEnabled bool   `json:"regex_enabled"`
}

// Request log statuses.
const (
	LogPending = "pending"
	LogOK      = "ok"
	LogError   = "error"
)

// RequestLog records one proxied request. It is created pending before
// dispatch and finalized exactly once afterwards.
type RequestLog struct {
	ID           int64         `json:"id"`
	VirtualKeyID int64         `json:"virtual_key_id"` // 0 for passthrough auth
	OwnerID      int64         `json:"owner_id"`
	Model        string        `json:"model"`
	Status       string        `json:"status"`
	StatusCode   int           `json:"status_code"`
	Latency      time.Duration `json:"latency_ns"`
	TTFT         time.Duration `json:"ttft_ns"`
	IsStream     bool          `json:"is_stream"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Binding is everything attached to a virtual key that shapes a request:
// the bound preset (nil when none) with its scoped rules, plus the global
// rule set. Whether global rules apply is the caller's decision, gated on
// VirtualKey.RegexEnabled.
type Binding struct {
	Preset      *preset.Preset
	LocalRules  []rewrite.Rule
	GlobalRules []rewrite.Rule
}

// KeyOutcome summarizes how the upstream treated one request made with a
// pooled key.
type KeyOutcome struct {
	StatusCode   int
	InputTokens  int
	OutputTokens int
}

// Store is the persistence contract shared by all backends. Counter updates
// (ApplyKeyOutcome) must not lose increments under concurrency; the cursor is
// best-effort and a lost race there is tolerated.
type Store interface {
	// LoadKeyPool returns all upstream keys in stable ID order, active or not.
	LoadKeyPool(ctx context.Context) ([]UpstreamKey, error)

	// LoadVirtualKey resolves a "gapi-" secret. ErrNotFound when unknown.
	LoadVirtualKey(ctx context.Context, secret string) (VirtualKey, error)

	// LoadPresetAndRules loads the binding for a virtual key.
	LoadPresetAndRules(ctx context.Context, vk VirtualKey) (Binding, error)

	// ReadAndAdvanceCursor reads the last-used upstream key ID, passes it to
	// pick, stores pick's result as the new cursor, and returns it.
	ReadAndAdvanceCursor(ctx context.Context, pick func(last int64) int64) (int64, error)

	// ApplyKeyOutcome bumps usage always, errors on non-2xx, accumulates
	// tokens, records the status, and deactivates the key on 401/403.
	ApplyKeyOutcome(ctx context.Context, keyID int64, oc KeyOutcome) error

	// AppendLog assigns an ID to a pending log entry and persists it.
	AppendLog(ctx context.Context, entry *RequestLog) error

	// UpdateLog overwrites a previously appended entry.
	UpdateLog(ctx context.Context, entry *RequestLog) error
}

// deactivates reports whether an upstream status code should retire a key
// from the rotation.
func deactivates(statusCode int) bool {
	return statusCode == 401 || statusCode == 403
}

// isSuccess reports whether a status code counts as an upstream success.
func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
