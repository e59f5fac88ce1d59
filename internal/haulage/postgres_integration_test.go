package haulage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("HAULSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set HAULSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() {
		postgresIntegrationTruncate(t, dsn)
		_ = store.Close()
	})
	return store
}

func postgresIntegrationTruncate(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open for cleanup: %v", err)
	}
	defer db.Close()
	tables := []string{
		"haulsync_checkpoints",
		"haulsync_deliveries",
		"haulsync_allocations",
		"haulsync_bookings",
		"haulsync_idempotency_keys",
	}
	for _, table := range tables {
		if _, err := db.Exec("TRUNCATE TABLE " + table + " CASCADE"); err != nil {
			t.Logf("cleanup %s: %v", table, err)
		}
	}
}

func TestPostgresIntegrationReserveReleaseRoundTrip(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	seedBooking(t, store, "bk_it_1", 100)
	alloc, err := store.Reserve(ctx, "bk_it_1", 60)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "bk_it_1", 50); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if err := store.Release(ctx, alloc.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, alloc.ID); !errors.Is(err, ErrAllocationReleased) {
		t.Fatalf("double release must be rejected, got %v", err)
	}
	booking, err := store.GetBooking(ctx, "bk_it_1")
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if booking.RemainingTonnage != 100 {
		t.Fatalf("expected remaining restored to 100, got %v", booking.RemainingTonnage)
	}
}

func TestPostgresIntegrationConcurrentReserves(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	seedBooking(t, store, "bk_it_2", 50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Reserve(ctx, "bk_it_2", 2); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 25 {
		t.Fatalf("expected exactly 25 reservations, got %d", succeeded)
	}
}

func TestPostgresIntegrationIdempotencyStaleReclaim(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	if _, err := store.BeginIdempotency(ctx, "key-it-1", "hash-a"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := store.BeginIdempotency(ctx, "key-it-1", "hash-a"); !errors.Is(err, ErrIdempotencyInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}

	// Simulate a holder that crashed between begin and complete.
	db, err := sql.Open("postgres", postgresIntegrationDSN(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(
		`UPDATE `+pgIdempotencyTable+` SET created_at = NOW() - INTERVAL '1 hour' WHERE key = $1`,
		"key-it-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	record, err := store.BeginIdempotency(ctx, "key-it-1", "hash-a")
	if err != nil || record != nil {
		t.Fatalf("stale key must be reclaimed, got record=%v err=%v", record, err)
	}
	if _, err := store.BeginIdempotency(ctx, "key-it-1", "hash-a"); !errors.Is(err, ErrIdempotencyInProgress) {
		t.Fatalf("reclaimed key must be held again, got %v", err)
	}
}

func TestPostgresIntegrationCheckpointLog(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	seedBooking(t, store, "bk_it_3", 100)
	alloc, err := store.Reserve(ctx, "bk_it_3", 20)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	now := time.Now().UTC()
	delivery := Delivery{
		TrackingID:       "trk_it_1",
		BookingReference: "HB-IT000001",
		ParentBookingID:  "bk_it_3",
		AllocationID:     alloc.ID,
		Customer:         "Acme Minerals",
		Tonnage:          20,
		ContainerCount:   1,
		Status:           StatusPending,
		Driver:           DriverDetails{Name: "T. Moyo", VehicleReg: "ABC123"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.InsertDelivery(ctx, delivery); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertDelivery(ctx, delivery); !errors.Is(err, ErrDuplicateTrackingID) {
		t.Fatalf("expected duplicate tracking id, got %v", err)
	}

	updated, err := store.AppendCheckpoint(ctx, "trk_it_1", Checkpoint{
		Location: "Mine gate", Type: CheckpointLoading, Status: StatusInTransit, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if updated.Status != StatusInTransit || len(updated.Checkpoints) != 1 || updated.Checkpoints[0].Seq != 1 {
		t.Fatalf("unexpected delivery after append: %+v", updated)
	}
}
