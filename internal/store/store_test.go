package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

var eurUSD = model.TradingPair{Base: model.EUR, Quote: model.USD}

func position(owner model.TraderID, pool model.PoolID, held string) model.Position {
	h := fixed.RequireFromString(held)
	return model.Position{
		Owner:                    owner,
		Pool:                     pool,
		Pair:                     eurUSD,
		Leverage:                 model.LongTen,
		LeveragedHeld:            h,
		LeveragedDebits:          h.SaturatingMul(fixed.FromNatural(-1)),
		LeveragedHeldInReference: h.SaturatingMul(fixed.FromNatural(-1)),
		OpenAccumulatedSwapRate:  fixed.One(),
		OpenMargin:               fixed.RequireBalance("1"),
	}
}

func TestMemoryStore_ApplyAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	ids, err := ms.Apply(ctx, &store.Batch{Open: []model.Position{
		position("alice", 0, "100"),
		position("bob", 0, "200"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("ids = %v, want [0 1]", ids)
	}

	ids, err = ms.Apply(ctx, &store.Batch{Open: []model.Position{position("alice", 1, "5")}})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != 2 {
		t.Errorf("id = %d, want 2", ids[0])
	}

	p, err := ms.GetPosition(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 1 || p.Owner != "bob" {
		t.Errorf("position 1 = %+v", p)
	}
}

func TestMemoryStore_CloseMissingChangesNothing(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	if _, err := ms.Apply(ctx, &store.Batch{Open: []model.Position{position("alice", 0, "1")}}); err != nil {
		t.Fatal(err)
	}

	batch := &store.Batch{Close: []model.PositionID{0, 9}}
	batch.SetBalance("alice", fixed.RequireBalance("50"))
	_, err := ms.Apply(ctx, batch)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap, _ := ms.Snapshot(ctx)
	if snap.Len() != 1 {
		t.Errorf("position 0 should survive a failed batch, have %d", snap.Len())
	}
	if !snap.Balance("alice").IsZero() {
		t.Errorf("balance should be untouched, got %s", snap.Balance("alice"))
	}
}

func TestMemoryStore_GetPositionNotFound(t *testing.T) {
	_, err := store.NewMemoryStore().GetPosition(context.Background(), 3)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshot_IndicesAreOrderedAndIsolated(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch := &store.Batch{Open: []model.Position{
		position("alice", 0, "1"),
		position("bob", 1, "2"),
		position("alice", 1, "3"),
		position("alice", 0, "4"),
	}}
	batch.SetBalance("alice", fixed.RequireBalance("100"))
	batch.SetLiquidity(1, fixed.RequireBalance("1000"))
	if _, err := ms.Apply(ctx, batch); err != nil {
		t.Fatal(err)
	}

	snap, err := ms.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.PositionsByTrader("alice"); len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 3 {
		t.Errorf("alice index = %v, want [0 2 3]", got)
	}
	if got := snap.PositionsByPool(1); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("pool 1 index = %v, want [1 2]", got)
	}
	if !snap.PoolLiquidity(1).Equal(fixed.RequireBalance("1000")) {
		t.Errorf("liquidity = %s", snap.PoolLiquidity(1))
	}

	// Later writes do not leak into an existing snapshot.
	closing := &store.Batch{Close: []model.PositionID{0}}
	closing.SetBalance("alice", fixed.RequireBalance("7"))
	if _, err := ms.Apply(ctx, closing); err != nil {
		t.Fatal(err)
	}
	if _, ok := snap.Position(0); !ok {
		t.Error("snapshot lost position 0 after a later close")
	}
	if !snap.Balance("alice").Equal(fixed.RequireBalance("100")) {
		t.Errorf("snapshot balance changed to %s", snap.Balance("alice"))
	}
}

func TestSnapshot_JSONRebuildsIndices(t *testing.T) {
	p0 := position("alice", 0, "1")
	p0.ID = 4
	p1 := position("alice", 2, "2")
	p1.ID = 1
	snap := store.NewSnapshot(
		[]model.Position{p0, p1},
		map[model.TraderID]fixed.Balance{"alice": fixed.RequireBalance("12.5")},
		map[model.PoolID]fixed.Balance{2: fixed.RequireBalance("3")},
	)

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var back store.Snapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}

	if got := back.PositionsByTrader("alice"); len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Errorf("alice index = %v, want [1 4]", got)
	}
	p, ok := back.Position(4)
	if !ok || p.Pair != eurUSD || p.Leverage != model.LongTen || !p.LeveragedHeld.Equal(fixed.FromNatural(1)) {
		t.Errorf("position 4 = %+v", p)
	}
	if !back.Balance("alice").Equal(fixed.RequireBalance("12.5")) {
		t.Errorf("balance = %s", back.Balance("alice"))
	}
	if !back.PoolLiquidity(2).Equal(fixed.RequireBalance("3")) {
		t.Errorf("liquidity = %s", back.PoolLiquidity(2))
	}
}

// --- Redis cache ---

// countingStore counts snapshot reads that reach the primary. afterRead,
// if set, runs once between reading the primary and returning.
type countingStore struct {
	*store.MemoryStore
	snapshots int
	afterRead func()
}

func (c *countingStore) Snapshot(ctx context.Context) (*store.Snapshot, error) {
	c.snapshots++
	snap, err := c.MemoryStore.Snapshot(ctx)
	if hook := c.afterRead; hook != nil {
		c.afterRead = nil
		hook()
	}
	return snap, err
}

func newCachedStore(t *testing.T) (*store.CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &countingStore{MemoryStore: store.NewMemoryStore()}
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_SnapshotReadThrough(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	batch := &store.Batch{Open: []model.Position{position("alice", 0, "10")}}
	batch.SetBalance("alice", fixed.RequireBalance("99"))
	if _, err := cs.Apply(ctx, batch); err != nil {
		t.Fatal(err)
	}

	first, err := cs.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cs.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if primary.snapshots != 1 {
		t.Errorf("primary snapshots = %d, want 1 (second read cached)", primary.snapshots)
	}
	if !mr.Exists("margin:snapshot") {
		t.Error("snapshot key should be cached")
	}
	if second.Len() != 1 || !second.Balance("alice").Equal(first.Balance("alice")) {
		t.Errorf("cached snapshot differs: %d positions, balance %s", second.Len(), second.Balance("alice"))
	}
}

func TestCachedStore_ApplyInvalidates(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	ids, err := cs.Apply(ctx, &store.Batch{Open: []model.Position{position("alice", 0, "10")}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.GetPosition(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("margin:position:0") {
		t.Error("position should be cached")
	}

	if _, err := cs.Apply(ctx, &store.Batch{Close: ids}); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("margin:snapshot") || mr.Exists("margin:position:0") {
		t.Error("apply should invalidate the snapshot and closed positions")
	}

	snap, err := cs.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Len() != 0 {
		t.Errorf("positions = %d after close, want 0", snap.Len())
	}
	if primary.snapshots != 2 {
		t.Errorf("primary snapshots = %d, want 2", primary.snapshots)
	}
	if _, err := cs.GetPosition(ctx, ids[0]); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after close, got %v", err)
	}
}

func TestCachedStore_FailedApplyKeepsCache(t *testing.T) {
	ctx := context.Background()
	cs, primary, _ := newCachedStore(t)

	if _, err := cs.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Apply(ctx, &store.Batch{Close: []model.PositionID{5}}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := cs.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	if primary.snapshots != 1 {
		t.Errorf("primary snapshots = %d, want 1", primary.snapshots)
	}
}

func TestCachedStore_WriteDuringFillIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	batch := &store.Batch{}
	batch.SetBalance("alice", fixed.RequireBalance("10"))
	if _, err := cs.Apply(ctx, batch); err != nil {
		t.Fatal(err)
	}

	// A deposit commits after the primary was read but before the fill.
	primary.afterRead = func() {
		batch := &store.Batch{}
		batch.SetBalance("alice", fixed.RequireBalance("110"))
		if _, err := cs.Apply(ctx, batch); err != nil {
			t.Error(err)
		}
	}
	stale, err := cs.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stale.Balance("alice").Equal(fixed.RequireBalance("10")) {
		t.Fatalf("first read = %s, want 10", stale.Balance("alice"))
	}
	if mr.Exists("margin:snapshot") {
		t.Fatal("a snapshot older than the last write must not be cached")
	}

	snap, err := cs.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Balance("alice").Equal(fixed.RequireBalance("110")) {
		t.Errorf("balance = %s, want 110", snap.Balance("alice"))
	}
	if !mr.Exists("margin:snapshot") {
		t.Error("an undisturbed read should be cached")
	}
}

func TestCachedStore_FreshSnapshotBypassesCache(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	if _, err := cs.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	// Stale entry written behind the wrapper's back.
	batch := &store.Batch{}
	batch.SetBalance("alice", fixed.RequireBalance("7"))
	if _, err := primary.MemoryStore.Apply(ctx, batch); err != nil {
		t.Fatal(err)
	}

	cached, err := cs.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !cached.Balance("alice").IsZero() {
		t.Fatalf("expected the cached entry, got balance %s", cached.Balance("alice"))
	}
	fresh, err := cs.FreshSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh.Balance("alice").Equal(fixed.RequireBalance("7")) {
		t.Errorf("fresh balance = %s, want 7", fresh.Balance("alice"))
	}
	if !mr.Exists("margin:snapshot") {
		t.Error("FreshSnapshot must not touch the cache")
	}
}

func TestCachedStore_InvalidationFailureKeepsWrite(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)
	mr.Close()

	batch := &store.Batch{}
	batch.SetLiquidity(3, fixed.RequireBalance("40"))
	if _, err := cs.Apply(ctx, batch); err != nil {
		t.Fatalf("a committed write must not fail on the cache, got %v", err)
	}
	snap, err := cs.FreshSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.PoolLiquidity(3).Equal(fixed.RequireBalance("40")) {
		t.Errorf("liquidity = %s, want 40", snap.PoolLiquidity(3))
	}
	if primary.snapshots != 0 {
		t.Errorf("FreshSnapshot went through Snapshot %d times", primary.snapshots)
	}
}
