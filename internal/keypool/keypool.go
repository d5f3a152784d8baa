// Package keypool rotates requests across the pool of real upstream API keys.
//
// Selection is round-robin over the active keys in ID order, driven by a
// durable cursor ("last used key ID") held in the store. The cursor survives
// restarts, so rotation resumes where it left off. Two concurrent selections
// may race the cursor and pick the same key; that is tolerated. Counter
// updates are not allowed to race — they go through the store's atomic
// outcome update.
package keypool

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gproxyhq/gproxy/internal/store"
)

// ErrNoActiveKeys is returned when every key in the pool is deactivated or
// the pool is empty. Callers surface it as 503.
var ErrNoActiveKeys = errors.New("keypool: no active upstream keys")

// Manager selects keys and reports how the upstream treated them.
type Manager struct {
	store store.Store
	log   *slog.Logger
}

// NewManager creates a Manager backed by st.
func NewManager(st store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, log: log}
}

// Select returns the next active key in rotation and advances the durable
// cursor to it. When the cursor points at a key that has been removed or
// deactivated since the last selection, rotation restarts at the first
// active key.
func (m *Manager) Select(ctx context.Context) (store.UpstreamKey, error) {
	pool, err := m.store.LoadKeyPool(ctx)
	if err != nil {
		return store.UpstreamKey{}, err
	}

	active := pool[:0:0]
	for _, k := range pool {
		if k.IsActive {
			active = append(active, k)
		}
	}
	if len(active) == 0 {
		return store.UpstreamKey{}, ErrNoActiveKeys
	}

	var chosen store.UpstreamKey
	_, err = m.store.ReadAndAdvanceCursor(ctx, func(last int64) int64 {
		idx := -1
		for i, k := range active {
			if k.ID == last {
				idx = i
				break
			}
		}
		// Cursor missing from the active list means the key it pointed at
		// is gone or retired; restart at the head.
		chosen = active[(idx+1)%len(active)]
		return chosen.ID
	})
	if err != nil {
		return store.UpstreamKey{}, err
	}

	return chosen, nil
}

// ReportOutcome records one upstream response against the key that made it:
// usage always increments, errors increment on non-2xx, token totals
// accumulate, and 401/403 retires the key from rotation. Failures here are
// logged, not returned — accounting must never fail the client request.
func (m *Manager) ReportOutcome(ctx context.Context, keyID int64, statusCode, inputTokens, outputTokens int) {
	err := m.store.ApplyKeyOutcome(ctx, keyID, store.KeyOutcome{
		StatusCode:   statusCode,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	if err != nil {
		m.log.Warn("key outcome not recorded",
			slog.Int64("key_id", keyID),
			slog.Int("status", statusCode),
			slog.String("error", err.Error()),
		)
		return
	}

	if statusCode == 401 || statusCode == 403 {
		m.log.Warn("upstream key deactivated",
			slog.Int64("key_id", keyID),
			slog.Int("status", statusCode),
		)
	}
}

// Keys returns the full pool in stable order.
func (m *Manager) Keys(ctx context.Context) ([]store.UpstreamKey, error) {
	return m.store.LoadKeyPool(ctx)
}

// ActiveCount reports how many keys are currently in rotation. Used by the
// readiness probe and pool gauges.
func (m *Manager) ActiveCount(ctx context.Context) (active, total int, err error) {
	pool, err := m.store.LoadKeyPool(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, k := range pool {
		if k.IsActive {
			active++
		}
	}
	return active, len(pool), nil
}
