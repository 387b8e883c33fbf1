package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/model"
)

const (
	snapshotKey   = "margin:snapshot"
	generationKey = "margin:generation"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Every invalidation bumps a generation counter. A snapshot read from the
// primary is only cached if the generation did not move while it was read,
// so a slow fill cannot overwrite a newer invalidation. FreshSnapshot never
// touches Redis.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, batch *Batch) ([]model.PositionID, error) {
	ids, err := s.primary.Apply(ctx, batch)
	if err != nil {
		return nil, err
	}

	keys := []string{snapshotKey}
	for _, id := range batch.Close {
		keys = append(keys, positionKey(id))
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey)
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		// The write is committed. Reads may be stale until the TTL expires;
		// gated writes are not, they use FreshSnapshot.
		slog.Error("cache invalidation failed", "keys", keys, "err", err)
	}
	return ids, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if err == nil {
		var snap Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: note the generation, then read from primary.
	gen, err := generation(ctx, s.rdb)
	if err != nil {
		return s.primary.Snapshot(ctx)
	}
	snap, err := s.primary.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.fill(ctx, snapshotKey, gen, data)
	}
	return snap, nil
}

// FreshSnapshot reads the primary directly.
func (s *CachedStore) FreshSnapshot(ctx context.Context) (*Snapshot, error) {
	return s.primary.FreshSnapshot(ctx)
}

// fill caches data under key only if no invalidation happened since gen
// was read.
func (s *CachedStore) fill(ctx context.Context, key string, gen int64, data []byte) {
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := generation(ctx, tx)
		if err != nil {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, generationKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		slog.Debug("cache fill skipped, ledger changed while reading", "key", key, "generation", gen)
	default:
		slog.Warn("cache fill failed", "key", key, "err", err)
	}
}

func (s *CachedStore) GetPosition(ctx context.Context, id model.PositionID) (model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return p, nil
		}
	}

	gen, err := generation(ctx, s.rdb)
	if err != nil {
		return s.primary.GetPosition(ctx, id)
	}
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return model.Position{}, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.fill(ctx, positionKey(id), gen, data)
	}
	return p, nil
}

// --- Cache helpers ---

func positionKey(id model.PositionID) string { return fmt.Sprintf("margin:position:%d", id) }

var errStaleFill = errors.New("store: stale cache fill")

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func generation(ctx context.Context, c getter) (int64, error) {
	gen, err := c.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}
