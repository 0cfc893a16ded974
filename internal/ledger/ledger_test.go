package ledger

import (
	"context"
	"sync"
	"testing"

	"omnex-core/internal/persistence"
	"omnex-core/pkg/db"
)

func newTestLedger(t *testing.T) (*Ledger, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	// nil queue: persistence runs synchronously, so tests can read back rows.
	return New(database, nil), database
}

func TestAllocateDeallocateScenario(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 1000); err != nil {
		t.Fatalf("SetPlatformBalance: %v", err)
	}

	if err := l.Allocate(ctx, "E1", "USDT", "B1", "C1", 500); err != nil {
		t.Fatalf("Allocate 500: %v", err)
	}
	if got := l.AvailableForAllocation("E1", "USDT"); got != 500 {
		t.Errorf("available after allocate = %v, want 500", got)
	}
	if got := l.AvailableBalance("E1", "USDT", "B1", "C1"); got != 500 {
		t.Errorf("customer balance = %v, want 500", got)
	}

	if err := l.Deallocate(ctx, "E1", "USDT", "B1", "C1", 200); err != nil {
		t.Fatalf("Deallocate 200: %v", err)
	}
	if got := l.AvailableForAllocation("E1", "USDT"); got != 700 {
		t.Errorf("available after deallocate = %v, want 700", got)
	}
	if got := l.AvailableBalance("E1", "USDT", "B1", "C1"); got != 300 {
		t.Errorf("customer balance = %v, want 300", got)
	}

	// Over-allocation must fail and leave state untouched.
	if err := l.Allocate(ctx, "E1", "USDT", "B1", "C1", 800); err != ErrInsufficientAllocation {
		t.Fatalf("Allocate 800: expected ErrInsufficientAllocation, got %v", err)
	}
	if got := l.AvailableForAllocation("E1", "USDT"); got != 700 {
		t.Errorf("available after failed allocate = %v, want 700", got)
	}
	if got := l.AvailableBalance("E1", "USDT", "B1", "C1"); got != 300 {
		t.Errorf("customer balance after failed allocate = %v, want 300", got)
	}
}

func TestConservationInvariantHolds(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 10000); err != nil {
		t.Fatalf("SetPlatformBalance: %v", err)
	}

	type op struct {
		alloc            bool
		broker, customer string
		amount           float64
	}
	ops := []op{
		{true, "B1", "C1", 1200},
		{true, "B1", "C2", 800},
		{true, "B2", "C1", 2500},
		{false, "B1", "C1", 700},
		{true, "B2", "C3", 3000},
		{false, "B2", "C1", 2500},
		{true, "B1", "C2", 400},
	}

	for i, o := range ops {
		var err error
		if o.alloc {
			err = l.Allocate(ctx, "E1", "USDT", o.broker, o.customer, o.amount)
		} else {
			err = l.Deallocate(ctx, "E1", "USDT", o.broker, o.customer, o.amount)
		}
		if err != nil {
			t.Fatalf("op %d failed: %v", i, err)
		}

		// available + sum(broker allocations) == total, after every op.
		if got := l.AvailableForAllocation("E1", "USDT") + l.BrokerAllocated("E1", "USDT"); got != 10000 {
			t.Fatalf("after op %d: available+allocated = %v, want 10000", i, got)
		}
	}
}

func TestDeallocateRejectsOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 1000); err != nil {
		t.Fatalf("SetPlatformBalance: %v", err)
	}
	if err := l.Allocate(ctx, "E1", "USDT", "B1", "C1", 100); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := l.Deallocate(ctx, "E1", "USDT", "B1", "C1", 150); err != ErrInsufficientAllocation {
		t.Errorf("expected ErrInsufficientAllocation, got %v", err)
	}
	// Unknown customer defaults to zero, so any deallocation fails.
	if err := l.Deallocate(ctx, "E1", "USDT", "B1", "ghost", 1); err != ErrInsufficientAllocation {
		t.Errorf("expected ErrInsufficientAllocation for unknown customer, got %v", err)
	}
	if got := l.AvailableBalance("E1", "USDT", "B1", "C1"); got != 100 {
		t.Errorf("customer balance = %v, want 100", got)
	}
}

func TestSetPlatformBalanceBelowAllocated(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 1000); err != nil {
		t.Fatalf("SetPlatformBalance: %v", err)
	}
	if err := l.Allocate(ctx, "E1", "USDT", "B1", "C1", 600); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 500); err == nil {
		t.Error("expected error lowering total below allocated")
	}
	// Raising works and recomputes the available slice.
	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 2000); err != nil {
		t.Fatalf("SetPlatformBalance raise: %v", err)
	}
	if got := l.AvailableForAllocation("E1", "USDT"); got != 1400 {
		t.Errorf("available = %v, want 1400", got)
	}
}

func TestLoadRebuildsFromStore(t *testing.T) {
	l, database := newTestLedger(t)
	ctx := context.Background()

	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 1000); err != nil {
		t.Fatalf("SetPlatformBalance: %v", err)
	}
	if err := l.Allocate(ctx, "E1", "USDT", "B1", "C1", 250); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := l.Allocate(ctx, "E1", "USDT", "B2", "C9", 100); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	// A fresh ledger over the same store must reconstruct the same state.
	restarted := New(database, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := restarted.AvailableForAllocation("E1", "USDT"); got != 650 {
		t.Errorf("available = %v, want 650", got)
	}
	if got := restarted.AvailableBalance("E1", "USDT", "B1", "C1"); got != 250 {
		t.Errorf("C1 balance = %v, want 250", got)
	}
	if got := restarted.BrokerAllocated("E1", "USDT"); got != 350 {
		t.Errorf("allocated = %v, want 350", got)
	}
}

func TestConcurrentMutationsPersistInCommitOrder(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := persistence.NewQueue(256)
	queue.Start(ctx)

	l := New(database, queue)
	if err := l.SetPlatformBalance(ctx, "E1", "USDT", 1000); err != nil {
		t.Fatalf("SetPlatformBalance: %v", err)
	}

	// Concurrent writers on one allocation key: the durable upsert carries
	// the absolute amount, so the last write applied must be the last
	// commit, not whichever goroutine reached the queue first.
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Allocate(ctx, "E1", "USDT", "B1", "C1", 5); err != nil {
				t.Errorf("Allocate: %v", err)
			}
		}()
	}
	wg.Wait()

	cancel()
	queue.Wait()

	restarted := New(database, nil)
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := restarted.AvailableBalance("E1", "USDT", "B1", "C1"); got != 200 {
		t.Errorf("rebuilt customer balance = %v, want 200", got)
	}
	if got := restarted.AvailableForAllocation("E1", "USDT"); got != 800 {
		t.Errorf("rebuilt available = %v, want 800", got)
	}
}

func TestSnapshotAndDistribution(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, e := range []string{"E1", "E2"} {
		if err := l.SetPlatformBalance(ctx, e, "USDT", 1000); err != nil {
			t.Fatalf("SetPlatformBalance: %v", err)
		}
	}
	if err := l.Allocate(ctx, "E1", "USDT", "B1", "C1", 300); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := l.Allocate(ctx, "E2", "USDT", "B1", "C1", 200); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	views := l.Snapshot()
	if len(views) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(views))
	}
	for _, v := range views {
		if v.CustomerAllocations["B1"]["C1"] == 0 {
			t.Errorf("pool %s missing C1 allocation", v.ExchangeID)
		}
	}

	dist := l.UserAssetDistribution("B1", "C1")
	if dist["USDT"]["E1"] != 300 || dist["USDT"]["E2"] != 200 {
		t.Errorf("unexpected distribution: %+v", dist)
	}
}
