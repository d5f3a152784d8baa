package store

import (
	"context"
	"sync"
	"time"

	"github.com/gproxyhq/gproxy/internal/preset"
	"github.com/gproxyhq/gproxy/internal/rewrite"
)

// MemoryStore keeps all state in process memory behind a single mutex.
//
// It is safe for concurrent use. Use this backend when Redis is not
// available — for local development, single-instance deployments, or
// integration tests. For distributed (multi-replica) deployments use
// RedisStore instead so that all replicas share the pool cursor and
// counters.
type MemoryStore struct {
	mu sync.Mutex

	keys        []UpstreamKey
	virtualKeys map[string]VirtualKey
	presets     map[int64]preset.Preset
	localRules  map[int64][]rewrite.Rule // preset ID -> scoped rules
	globalRules []rewrite.Rule

	cursor    int64
	nextLogID int64
	logs      map[int64]RequestLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		virtualKeys: make(map[string]VirtualKey),
		presets:     make(map[int64]preset.Preset),
		localRules:  make(map[int64][]rewrite.Rule),
		logs:        make(map[int64]RequestLog),
	}
}

// SeedUpstreamKeys replaces the key pool. Keys are stored in the given order;
// callers pass them sorted by ID.
func (s *MemoryStore) SeedUpstreamKeys(keys []UpstreamKey) {
	s.mu.Lock()
	s.keys = append([]UpstreamKey(nil), keys...)
	s.mu.Unlock()
}

// SeedVirtualKey registers or replaces a virtual key, indexed by secret.
func (s *MemoryStore) SeedVirtualKey(vk VirtualKey) {
	s.mu.Lock()
	s.virtualKeys[vk.Secret] = vk
	s.mu.Unlock()
}

// SeedPreset registers a preset together with its scoped rules.
func (s *MemoryStore) SeedPreset(p preset.Preset, rules []rewrite.Rule) {
	s.mu.Lock()
	s.presets[p.ID] = p
	s.localRules[p.ID] = append([]rewrite.Rule(nil), rules...)
	s.mu.Unlock()
}

// SeedGlobalRules replaces the global rule set.
func (s *MemoryStore) SeedGlobalRules(rules []rewrite.Rule) {
	s.mu.Lock()
	s.globalRules = append([]rewrite.Rule(nil), rules...)
	s.mu.Unlock()
}

// LoadKeyPool returns a copy of the pool in seeded order.
func (s *MemoryStore) LoadKeyPool(_ context.Context) ([]UpstreamKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UpstreamKey(nil), s.keys...), nil
}

// LoadVirtualKey resolves a secret to its virtual key.
func (s *MemoryStore) LoadVirtualKey(_ context.Context, secret string) (VirtualKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vk, ok := s.virtualKeys[secret]
	if !ok {
		return VirtualKey{}, ErrNotFound
	}
	return vk, nil
}

// LoadPresetAndRules returns the binding for vk. A missing or inactive preset
// yields a nil Preset, never an error — a stale binding must not fail auth.
func (s *MemoryStore) LoadPresetAndRules(_ context.Context, vk VirtualKey) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := Binding{GlobalRules: append([]rewrite.Rule(nil), s.globalRules...)}
	if vk.PresetID == 0 {
		return b, nil
	}

	p, ok := s.presets[vk.PresetID]
	if !ok || !p.IsActive {
		return b, nil
	}
	b.Preset = &p
	b.LocalRules = append([]rewrite.Rule(nil), s.localRules[vk.PresetID]...)
	return b, nil
}

// ReadAndAdvanceCursor applies pick under the store mutex, so in-process the
// cursor advance is atomic.
func (s *MemoryStore) ReadAndAdvanceCursor(_ context.Context, pick func(last int64) int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = pick(s.cursor)
	return s.cursor, nil
}

// ApplyKeyOutcome updates counters for one pooled key under the mutex, so
// concurrent reports never lose increments.
func (s *MemoryStore) ApplyKeyOutcome(_ context.Context, keyID int64, oc KeyOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.keys {
		k := &s.keys[i]
		if k.ID != keyID {
			continue
		}
		k.UsageCount++
		k.LastStatus = oc.StatusCode
		k.TotalTokens += int64(oc.InputTokens + oc.OutputTokens)
		if !isSuccess(oc.StatusCode) {
			k.ErrorCount++
		}
		if deactivates(oc.StatusCode) {
			k.IsActive = false
		}
		return nil
	}
	return ErrNotFound
}

// AppendLog assigns the next log ID and stores the entry.
func (s *MemoryStore) AppendLog(_ context.Context, entry *RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	entry.ID = s.nextLogID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.logs[entry.ID] = *entry
	return nil
}

// UpdateLog overwrites a stored entry by ID.
func (s *MemoryStore) UpdateLog(_ context.Context, entry *RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[entry.ID]; !ok {
		return ErrNotFound
	}
	s.logs[entry.ID] = *entry
	return nil
}

// Log returns a stored entry by ID. Test helper.
func (s *MemoryStore) Log(id int64) (RequestLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.logs[id]
	return entry, ok
}
