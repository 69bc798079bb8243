/*
Package cache keeps run summaries in Redis, keyed by scenario fingerprint.

PURPOSE:
  Settling a scenario is deterministic, so submitting the same scenario
  twice should return the first run instead of creating a second one. The
  API fingerprints each submitted scenario and asks the cache first.

KEYS:
  runs:version             global version, bumped to invalidate everything
  runs:fp:<sha256>:<ver>   JSON RunSummary of the run that settled it

NIL SAFETY:
  A nil *RunCache or one without a client is a permanent miss, so the API
  runs without Redis configured.

SEE ALSO:
  - engine/store.go: RunSummary
  - api/handlers.go: CreateRun consults the cache
*/
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/finance-engine/engine"
)

const versionKey = "runs:version"

// New creates a Redis client and checks it answers.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return client, nil
}

// Fingerprint hashes the canonical JSON form of a scenario. Scenarios that
// settle identically hash identically; the name is excluded.
func Fingerprint(sc engine.Scenario) (string, error) {
	sc = sc.Clone()
	sc.Name, sc.Description = "", ""
	sc.Timeline = sc.TimelineOrDefault()
	raw, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// RunCache maps fingerprints to the summary of the run that settled them.
type RunCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRunCache(client *redis.Client, ttl time.Duration) *RunCache {
	return &RunCache{client: client, ttl: ttl}
}

func (c *RunCache) enabled() bool { return c != nil && c.client != nil }

func (c *RunCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return max(ver, 1), nil
}

func (c *RunCache) key(ctx context.Context, fingerprint string) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("runs:fp:%s:%d", fingerprint, ver), nil
}

// Lookup returns the cached summary for a fingerprint.
func (c *RunCache) Lookup(ctx context.Context, fingerprint string) (engine.RunSummary, bool, error) {
	if !c.enabled() {
		return engine.RunSummary{}, false, nil
	}
	key, err := c.key(ctx, fingerprint)
	if err != nil {
		return engine.RunSummary{}, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.RunSummary{}, false, nil
	}
	if err != nil {
		return engine.RunSummary{}, false, err
	}
	var s engine.RunSummary
	if err := json.Unmarshal(payload, &s); err != nil {
		return engine.RunSummary{}, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return s, true, nil
}

// Remember stores the summary of a freshly settled run.
func (c *RunCache) Remember(ctx context.Context, fingerprint string, s engine.RunSummary) error {
	if !c.enabled() {
		return nil
	}
	key, err := c.key(ctx, fingerprint)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Bump invalidates every cached entry, e.g. after an engine upgrade.
func (c *RunCache) Bump(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	if _, err := c.client.Get(ctx, versionKey).Result(); errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, versionKey, 1, 0).Err(); err != nil {
			return err
		}
	}
	return c.client.Incr(ctx, versionKey).Err()
}
