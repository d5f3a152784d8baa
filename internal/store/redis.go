package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gproxyhq/gproxy/internal/preset"
	"github.com/gproxyhq/gproxy/internal/rewrite"
)

const defaultQueryTimeout = 2 * time.Second

// Redis key layout. Upstream key counters live in hashes so increments go
// through HINCRBY and survive concurrent writers.
const (
	keyPoolIndex   = "gproxy:upkeys"          // set of upstream key IDs
	keyUpstreamFmt = "gproxy:upkey:%d"        // hash per upstream key
	keyVirtualFmt  = "gproxy:vkey:%s"         // JSON per virtual key secret
	keyPresetFmt   = "gproxy:preset:%d"       // JSON preset
	keyLocalFmt    = "gproxy:preset:%d:rules" // JSON rule list
	keyGlobalRules = "gproxy:rules:global"    // JSON rule list
	keyCursor      = "gproxy:cursor"          // last used upstream key ID
	keyLogSeq      = "gproxy:log:seq"         // log ID counter
	keyLogFmt      = "gproxy:log:%d"          // JSON log entry
)

// RedisStore is a Redis-backed Store for deployments where several gateway
// replicas share one pool, cursor, and log stream.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close).
func NewRedisStoreFromClient(redisCli *redis.Client) *RedisStore {
	return &RedisStore{client: redisCli, queryTimeout: defaultQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// SeedUpstreamKeys writes the static fields of every key and registers it in
// the pool index. Counters are initialized only for keys Redis has not seen,
// so re-seeding on restart never clobbers accumulated usage.
func (s *RedisStore) SeedUpstreamKeys(ctx context.Context, keys []UpstreamKey) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	for _, k := range keys {
		hk := fmt.Sprintf(keyUpstreamFmt, k.ID)
		pipe.SAdd(ctx, keyPoolIndex, k.ID)
		pipe.HSet(ctx, hk,
			"secret", k.Secret,
			"owner_id", k.OwnerID,
		)
		pipe.HSetNX(ctx, hk, "is_active", boolField(k.IsActive))
		pipe.HSetNX(ctx, hk, "usage_count", k.UsageCount)
		pipe.HSetNX(ctx, hk, "error_count", k.ErrorCount)
		pipe.HSetNX(ctx, hk, "total_tokens", k.TotalTokens)
		pipe.HSetNX(ctx, hk, "last_status", k.LastStatus)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: seed key pool: %w", err)
	}
	return nil
}

// SeedVirtualKey stores a virtual key as JSON under its secret.
func (s *RedisStore) SeedVirtualKey(ctx context.Context, vk VirtualKey) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(vk)
	if err != nil {
		return fmt.Errorf("store: marshal virtual key: %w", err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(keyVirtualFmt, vk.Secret), raw, 0).Err(); err != nil {
		return fmt.Errorf("store: seed virtual key: %w", err)
	}
	return nil
}

// SeedPreset stores a preset and its scoped rules.
func (s *RedisStore) SeedPreset(ctx context.Context, p preset.Preset, rules []rewrite.Rule) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rawPreset, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal preset: %w", err)
	}
	rawRules, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("store: marshal rules: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(keyPresetFmt, p.ID), rawPreset, 0)
	pipe.Set(ctx, fmt.Sprintf(keyLocalFmt, p.ID), rawRules, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: seed preset: %w", err)
	}
	return nil
}

// SeedGlobalRules replaces the global rule set.
func (s *RedisStore) SeedGlobalRules(ctx context.Context, rules []rewrite.Rule) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("store: marshal rules: %w", err)
	}
	if err := s.client.Set(ctx, keyGlobalRules, raw, 0).Err(); err != nil {
		return fmt.Errorf("store: seed global rules: %w", err)
	}
	return nil
}

// LoadKeyPool reads every registered key hash and returns them sorted by ID.
func (s *RedisStore) LoadKeyPool(ctx context.Context) ([]UpstreamKey, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rawIDs, err := s.client.SMembers(ctx, keyPoolIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("store: pool index: %w", err)
	}

	ids := make([]int64, 0, len(rawIDs))
	for _, r := range rawIDs {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]UpstreamKey, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, fmt.Sprintf(keyUpstreamFmt, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("store: load key %d: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		keys = append(keys, upstreamFromHash(id, fields))
	}
	return keys, nil
}

// LoadVirtualKey resolves a secret to its stored virtual key.
func (s *RedisStore) LoadVirtualKey(ctx context.Context, secret string) (VirtualKey, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.client.Get(ctx, fmt.Sprintf(keyVirtualFmt, secret)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return VirtualKey{}, ErrNotFound
		}
		return VirtualKey{}, fmt.Errorf("store: load virtual key: %w", err)
	}

	var vk VirtualKey
	if err := json.Unmarshal(raw, &vk); err != nil {
		return VirtualKey{}, fmt.Errorf("store: decode virtual key: %w", err)
	}
	return vk, nil
}

// LoadPresetAndRules returns the binding for vk. A missing or inactive preset
// yields a nil Preset, never an error.
func (s *RedisStore) LoadPresetAndRules(ctx context.Context, vk VirtualKey) (Binding, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var b Binding
	if raw, err := s.client.Get(ctx, keyGlobalRules).Bytes(); err == nil {
		_ = json.Unmarshal(raw, &b.GlobalRules)
	} else if !errors.Is(err, redis.Nil) {
		return Binding{}, fmt.Errorf("store: global rules: %w", err)
	}

	if vk.PresetID == 0 {
		return b, nil
	}

	rawPreset, err := s.client.Get(ctx, fmt.Sprintf(keyPresetFmt, vk.PresetID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return b, nil
		}
		return Binding{}, fmt.Errorf("store: preset: %w", err)
	}

	var p preset.Preset
	if err := json.Unmarshal(rawPreset, &p); err != nil || !p.IsActive {
		return b, nil
	}
	b.Preset = &p

	if raw, err := s.client.Get(ctx, fmt.Sprintf(keyLocalFmt, vk.PresetID)).Bytes(); err == nil {
		_ = json.Unmarshal(raw, &b.LocalRules)
	} else if !errors.Is(err, redis.Nil) {
		return Binding{}, fmt.Errorf("store: preset rules: %w", err)
	}
	return b, nil
}

// ReadAndAdvanceCursor is GET-then-SET. Two replicas racing here may pick the
// same key once; that skew is tolerated, the pool stays balanced over time.
func (s *RedisStore) ReadAndAdvanceCursor(ctx context.Context, pick func(last int64) int64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var last int64
	raw, err := s.client.Get(ctx, keyCursor).Result()
	switch {
	case err == nil:
		last, _ = strconv.ParseInt(raw, 10, 64)
	case errors.Is(err, redis.Nil):
		// First selection ever.
	default:
		return 0, fmt.Errorf("store: read cursor: %w", err)
	}

	next := pick(last)
	if err := s.client.Set(ctx, keyCursor, next, 0).Err(); err != nil {
		return 0, fmt.Errorf("store: advance cursor: %w", err)
	}
	return next, nil
}

// ApplyKeyOutcome runs the counter updates through HINCRBY in one pipeline,
// so concurrent reporters never lose increments.
func (s *RedisStore) ApplyKeyOutcome(ctx context.Context, keyID int64, oc KeyOutcome) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	hk := fmt.Sprintf(keyUpstreamFmt, keyID)

	exists, err := s.client.Exists(ctx, hk).Result()
	if err != nil {
		return fmt.Errorf("store: key outcome: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, hk, "usage_count", 1)
	pipe.HIncrBy(ctx, hk, "total_tokens", int64(oc.InputTokens+oc.OutputTokens))
	pipe.HSet(ctx, hk, "last_status", oc.StatusCode)
	if !isSuccess(oc.StatusCode) {
		pipe.HIncrBy(ctx, hk, "error_count", 1)
	}
	if deactivates(oc.StatusCode) {
		pipe.HSet(ctx, hk, "is_active", boolField(false))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: key outcome: %w", err)
	}
	return nil
}

// AppendLog allocates an ID via INCR and stores the entry as JSON.
func (s *RedisStore) AppendLog(ctx context.Context, entry *RequestLog) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	id, err := s.client.Incr(ctx, keyLogSeq).Result()
	if err != nil {
		return fmt.Errorf("store: log id: %w", err)
	}
	entry.ID = id
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.writeLog(ctx, entry)
}

// UpdateLog overwrites a stored entry by ID.
func (s *RedisStore) UpdateLog(ctx context.Context, entry *RequestLog) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	exists, err := s.client.Exists(ctx, fmt.Sprintf(keyLogFmt, entry.ID)).Result()
	if err != nil {
		return fmt.Errorf("store: update log: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.writeLog(ctx, entry)
}

func (s *RedisStore) writeLog(ctx context.Context, entry *RequestLog) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal log: %w", err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(keyLogFmt, entry.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("store: write log: %w", err)
	}
	return nil
}

func upstreamFromHash(id int64, fields map[string]string) UpstreamKey {
	k := UpstreamKey{ID: id, Secret: fields["secret"]}
	k.OwnerID, _ = strconv.ParseInt(fields["owner_id"], 10, 64)
	k.IsActive = fields["is_active"] == "1"
	k.UsageCount, _ = strconv.ParseInt(fields["usage_count"], 10, 64)
	k.ErrorCount, _ = strconv.ParseInt(fields["error_count"], 10, 64)
	k.TotalTokens, _ = strconv.ParseInt(fields["total_tokens"], 10, 64)
	lastStatus, _ := strconv.ParseInt(fields["last_status"], 10, 32)
	k.LastStatus = int(lastStatus)
	return k
}

// boolField encodes a bool the way the hash readers expect ("1"/"0").
func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
