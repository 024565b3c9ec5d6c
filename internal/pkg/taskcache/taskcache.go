// Package taskcache maps (signature, scope) to the completed result of a remote call.
//
// Records live in a store.Store under "task:<scope>:<signature>". All mutation
// goes through Put, SweepExpired and Invalidate, which share one writer lock.
package taskcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/metrics"
	"tablegate/internal/pkg/models"
	"tablegate/internal/pkg/store"
)

const keyPrefix = "task:"

type Cache struct {
	store   store.Store
	now     func() time.Time
	writeMu sync.Mutex
}

type Option func(*Cache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{store: s, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the store key for a record. Scopes may not contain ':'.
func Key(sig, scope string) string {
	return keyPrefix + scope + ":" + sig
}

func scopePrefix(scope string) string {
	return keyPrefix + scope + ":"
}

func validate(sig, scope string) error {
	if sig == "" {
		return fmt.Errorf("empty signature: %w", apperr.ErrInvalidInput)
	}
	if scope == "" || strings.Contains(scope, ":") {
		return fmt.Errorf("scope %q must be non-empty and free of ':': %w", scope, apperr.ErrInvalidInput)
	}
	return nil
}

// Get returns the record for (sig, scope) or an error wrapping apperr.ErrNotFound.
func (c *Cache) Get(ctx context.Context, sig, scope string) (models.CacheRecord, error) {
	if err := validate(sig, scope); err != nil {
		return models.CacheRecord{}, err
	}
	key := Key(sig, scope)

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			metrics.CacheMisses.Inc()
		}
		return models.CacheRecord{}, err
	}

	var record models.CacheRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		// Corrupt record, remove it so the next encounter recomputes
		logger.Log.Warn("Dropping corrupt cache record", zap.String("key", key), zap.Error(err))
		c.dropIfUnchanged(ctx, key, raw)
		metrics.CacheMisses.Inc()
		return models.CacheRecord{}, fmt.Errorf("corrupt record %q: %w", key, apperr.ErrNotFound)
	}

	metrics.CacheHits.Inc()
	return record, nil
}

// dropIfUnchanged deletes key only while it still holds raw, a Put may have
// replaced it since it was read.
func (c *Cache) dropIfUnchanged(ctx context.Context, key, raw string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	current, err := c.store.Get(ctx, key)
	if err != nil || current != raw {
		return
	}
	_ = c.store.Delete(ctx, key)
}

// Put stores payload for (sig, scope), replacing any previous record.
// A failed write is reported as *apperr.StorageWriteError. Nothing is written
// once ctx is done, Invalidate relies on that after cancelling a scope.
func (c *Cache) Put(ctx context.Context, sig, scope, payload string) (models.CacheRecord, error) {
	if err := validate(sig, scope); err != nil {
		return models.CacheRecord{}, err
	}
	key := Key(sig, scope)
	record := models.CacheRecord{
		Signature: sig,
		Scope:     scope,
		Payload:   payload,
		CreatedAt: c.now().UTC(),
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return models.CacheRecord{}, &apperr.StorageWriteError{Key: key, Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return models.CacheRecord{}, fmt.Errorf("put %q: %w", key, err)
	}
	if err := c.store.Set(ctx, key, string(raw)); err != nil {
		return models.CacheRecord{}, &apperr.StorageWriteError{Key: key, Err: err}
	}
	return record, nil
}

// SweepExpired removes records strictly older than maxAge and returns how many went.
// Unreadable records are removed as well.
func (c *Cache) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	keys, err := c.store.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	now := c.now()
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		raw, err := c.store.Get(ctx, key)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}

		var record models.CacheRecord
		if err := json.Unmarshal([]byte(raw), &record); err == nil && record.Age(now) <= maxAge {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	metrics.RecordsSwept.Add(float64(removed))
	logger.Log.Info("Swept expired cache records",
		zap.Int("removed", removed),
		zap.Int("scanned", len(keys)),
		zap.Duration("max_age", maxAge))
	return removed, nil
}

// Invalidate removes every record of scope.
func (c *Cache) Invalidate(ctx context.Context, scope string) (int, error) {
	if scope == "" || strings.Contains(scope, ":") {
		return 0, fmt.Errorf("scope %q: %w", scope, apperr.ErrInvalidInput)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	keys, err := c.store.Keys(ctx, scopePrefix(scope))
	if err != nil {
		return 0, fmt.Errorf("list records of scope %q: %w", scope, err)
	}
	for i, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return i, err
		}
	}

	metrics.RecordsInvalidated.Add(float64(len(keys)))
	logger.Log.Info("Invalidated scope", zap.String("scope", scope), zap.Int("removed", len(keys)))
	return len(keys), nil
}
