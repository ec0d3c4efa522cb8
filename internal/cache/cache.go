// Package cache implements the stale-while-revalidate record store.
//
// Consumers read whatever record is present, regardless of age, and a stale
// read triggers a background refresh. A failed refresh keeps serving the old
// record; no error surfaces synchronously.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"attwatch/internal/storage"
	"attwatch/pkg/logx"
)

// Record is the timestamped envelope persisted per cache key.
// Timestamp reflects the last successful write.
type Record struct {
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

// Time returns the write time of the record.
func (r *Record) Time() time.Time { return time.UnixMilli(r.Timestamp) }

// Cache wraps the KV store with record envelopes and refresh bookkeeping.
type Cache struct {
	store storage.Store
	log   logx.Logger

	// now is a test seam.
	now func() time.Time

	// refreshing tracks in-flight background refreshes per key so a burst of
	// stale reads triggers one refresh, not many.
	mu         sync.Mutex
	refreshing map[string]bool
}

func New(store storage.Store, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		store:      store,
		log:        log,
		now:        time.Now,
		refreshing: map[string]bool{},
	}
}

// Get returns the record at key, or nil when absent.
func (c *Cache) Get(ctx context.Context, key string) (*Record, error) {
	var r Record
	ok, err := storage.GetJSON(ctx, c.store, key, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// Set stamps data with the current time and atomically replaces the record.
func (c *Cache) Set(ctx context.Context, key string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r := Record{Timestamp: c.now().UnixMilli(), Data: b}
	return storage.SetJSON(ctx, c.store, key, &r)
}

// GetFresh returns the record's data only while it is younger than ttl.
func (c *Cache) GetFresh(ctx context.Context, key string, ttl time.Duration) (json.RawMessage, error) {
	r, err := c.Get(ctx, key)
	if err != nil || r == nil {
		return nil, err
	}
	if c.now().Sub(r.Time()) < ttl {
		return r.Data, nil
	}
	return nil, nil
}

// ReadThrough serves the current record immediately (stale or not) and, when
// it is stale or absent, kicks refresh in the background. refresh is expected
// to Set() the key on success; its error is logged, never returned.
//
// The bool result reports whether the served record was stale.
func (c *Cache) ReadThrough(ctx context.Context, key string, ttl time.Duration, refresh func(ctx context.Context) error) (*Record, bool, error) {
	r, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	stale := r == nil || c.now().Sub(r.Time()) >= ttl
	if stale && refresh != nil {
		c.spawnRefresh(key, refresh)
	}
	return r, stale, nil
}

func (c *Cache) spawnRefresh(key string, refresh func(ctx context.Context) error) {
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := refresh(rctx); err != nil {
			c.log.Debug("background refresh failed; keeping stale record",
				logx.String("key", key), logx.Err(err))
		}
	}()
}

// Decode unmarshals a record's data into T.
func Decode[T any](r *Record) (T, error) {
	var v T
	if r == nil || len(r.Data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(r.Data, &v)
	return v, err
}
