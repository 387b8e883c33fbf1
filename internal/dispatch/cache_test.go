package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/dispatch"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
	"github.com/atmx/margin-engine/internal/risk"
	"github.com/atmx/margin-engine/internal/store"
)

// slowReadStore runs afterRead once, after a snapshot has been read from
// memory but before it is handed back to the cache.
type slowReadStore struct {
	*store.MemoryStore
	afterRead func()
}

func (s *slowReadStore) Snapshot(ctx context.Context) (*store.Snapshot, error) {
	snap, err := s.MemoryStore.Snapshot(ctx)
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return snap, err
}

func newCachedService(t *testing.T) (*dispatch.Service, *slowReadStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &slowReadStore{MemoryStore: store.NewMemoryStore()}
	oracle := pricing.NewOracle(model.USD)
	if err := oracle.SetPrice(eurUSD, fx("1")); err != nil {
		t.Fatal(err)
	}
	svc := dispatch.NewService(store.NewCachedStore(primary, rdb, time.Minute), oracle, risk.Config{
		Reference:       model.USD,
		SwapRates:       risk.SwapRates{eurUSD: fx("1")},
		TraderThreshold: half(),
		PoolThresholds:  risk.PoolThresholdTable{Default: risk.PoolThresholds{ENP: half(), ELL: half()}},
	}, nil)
	return svc, primary
}

func TestCachedStore_DepositDuringAccountReadIsNotLost(t *testing.T) {
	svc, primary := newCachedService(t)
	ctx := context.Background()

	// The account read misses the cache and reads an empty ledger; a
	// deposit commits before that read is cached.
	primary.afterRead = func() {
		if _, err := svc.Deposit(ctx, "alice", bal("100")); err != nil {
			t.Error(err)
		}
	}
	if _, err := svc.Account(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	view, err := svc.Account(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !view.Balance.Equal(bal("100")) {
		t.Errorf("account balance = %s, want 100", view.Balance)
	}

	balance, err := svc.Deposit(ctx, "alice", bal("50"))
	if err != nil {
		t.Fatal(err)
	}
	if !balance.Equal(bal("150")) {
		t.Errorf("balance after second deposit = %s, want 150", balance)
	}
}

func TestCachedStore_WithdrawGatesOnCommittedBalance(t *testing.T) {
	svc, primary := newCachedService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", bal("100")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Account(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	// Moves funds behind the cache, as another instance would.
	batch := &store.Batch{}
	batch.SetBalance("alice", bal("30"))
	if _, err := primary.MemoryStore.Apply(ctx, batch); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Withdraw(ctx, "alice", bal("80")); err == nil {
		t.Fatal("withdrawal must be gated on the committed balance, not the cached one")
	}
	balance, err := svc.Withdraw(ctx, "alice", bal("30"))
	if err != nil {
		t.Fatal(err)
	}
	if !balance.IsZero() {
		t.Errorf("balance = %s, want 0", balance)
	}
}
