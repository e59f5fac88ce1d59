package haulage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedBooking(t *testing.T, store Store, id string, tonnage float64) {
	t.Helper()
	err := store.CreateBooking(context.Background(), ParentBooking{
		ID:               id,
		Customer:         "Acme Minerals",
		Mineral:          "chrome",
		TotalTonnage:     tonnage,
		RemainingTonnage: tonnage,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed booking: %v", err)
	}
}

func TestReserveDecrementsRemaining(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, "bk_1", 100)

	alloc, err := store.Reserve(context.Background(), "bk_1", 34)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if alloc.BookingID != "bk_1" || alloc.Tonnage != 34 {
		t.Fatalf("unexpected allocation: %+v", alloc)
	}
	booking, err := store.GetBooking(context.Background(), "bk_1")
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if booking.RemainingTonnage != 66 {
		t.Fatalf("expected remaining 66, got %v", booking.RemainingTonnage)
	}
}

func TestReserveRejectsOvercommit(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, "bk_1", 10)

	_, err := store.Reserve(context.Background(), "bk_1", 10.5)
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected insufficient capacity, got %v", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %T", err)
	}
	if capErr.Requested != 10.5 || capErr.Remaining != 10 {
		t.Fatalf("unexpected arithmetic: %+v", capErr)
	}

	booking, _ := store.GetBooking(context.Background(), "bk_1")
	if booking.RemainingTonnage != 10 {
		t.Fatalf("rejected reserve must not mutate remaining, got %v", booking.RemainingTonnage)
	}
}

func TestReserveUnknownBooking(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Reserve(context.Background(), "bk_missing", 1); !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("expected booking not found, got %v", err)
	}
}

func TestConcurrentReservesNeverOvercommit(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, "bk_1", 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Reserve(context.Background(), "bk_1", 2); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 25 {
		t.Fatalf("expected exactly 25 reservations of 2t against 50t, got %d", succeeded)
	}
	booking, _ := store.GetBooking(context.Background(), "bk_1")
	if booking.RemainingTonnage != 0 {
		t.Fatalf("expected remaining 0, got %v", booking.RemainingTonnage)
	}
}

func TestReleaseReturnsTonnageExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, "bk_1", 100)

	alloc, err := store.Reserve(context.Background(), "bk_1", 40)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Release(context.Background(), alloc.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	booking, _ := store.GetBooking(context.Background(), "bk_1")
	if booking.RemainingTonnage != 100 {
		t.Fatalf("expected remaining restored to 100, got %v", booking.RemainingTonnage)
	}

	if err := store.Release(context.Background(), alloc.ID); !errors.Is(err, ErrAllocationReleased) {
		t.Fatalf("double release must be rejected, got %v", err)
	}
	booking, _ = store.GetBooking(context.Background(), "bk_1")
	if booking.RemainingTonnage != 100 {
		t.Fatalf("double release must not change remaining, got %v", booking.RemainingTonnage)
	}
}

func TestReleaseUnknownAllocation(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Release(context.Background(), "alc_missing"); !errors.Is(err, ErrAllocationNotFound) {
		t.Fatalf("expected allocation not found, got %v", err)
	}
}

func insertTestDelivery(t *testing.T, store Store, trackingID string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.InsertDelivery(context.Background(), Delivery{
		TrackingID:       trackingID,
		BookingReference: "HB-TEST0001",
		ParentBookingID:  "bk_1",
		Customer:         "Acme Minerals",
		Tonnage:          20,
		ContainerCount:   1,
		Status:           StatusPending,
		Driver:           DriverDetails{Name: "T. Moyo", VehicleReg: "ABC123"},
		Checkpoints:      []Checkpoint{},
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		t.Fatalf("insert delivery: %v", err)
	}
}

func TestInsertDeliveryDuplicateTrackingID(t *testing.T) {
	store := NewMemoryStore()
	insertTestDelivery(t, store, "trk_dup")
	err := store.InsertDelivery(context.Background(), Delivery{TrackingID: "trk_dup"})
	if !errors.Is(err, ErrDuplicateTrackingID) {
		t.Fatalf("expected duplicate tracking id, got %v", err)
	}
}

func TestAppendCheckpointAssignsSequence(t *testing.T) {
	store := NewMemoryStore()
	insertTestDelivery(t, store, "trk_1")

	base := time.Now().UTC()
	first, err := store.AppendCheckpoint(context.Background(), "trk_1", Checkpoint{
		Location: "Mine gate", Type: CheckpointLoading, Status: StatusInTransit, Timestamp: base,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := store.AppendCheckpoint(context.Background(), "trk_1", Checkpoint{
		Location: "Border post", Type: CheckpointWaypoint, Status: StatusInTransit, Timestamp: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Checkpoints[0].Seq != 1 || second.Checkpoints[1].Seq != 2 {
		t.Fatalf("expected seq 1 then 2, got %d and %d", first.Checkpoints[0].Seq, second.Checkpoints[1].Seq)
	}
	if second.Status != StatusInTransit {
		t.Fatalf("expected in_transit, got %s", second.Status)
	}
}

func TestAppendCheckpointClampsBackwardTimestamp(t *testing.T) {
	store := NewMemoryStore()
	insertTestDelivery(t, store, "trk_1")

	base := time.Now().UTC()
	if _, err := store.AppendCheckpoint(context.Background(), "trk_1", Checkpoint{
		Location: "Mine gate", Type: CheckpointLoading, Status: StatusInTransit, Timestamp: base,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Clock stepped back between appends.
	delivery, err := store.AppendCheckpoint(context.Background(), "trk_1", Checkpoint{
		Location: "Weighbridge", Type: CheckpointWaypoint, Status: StatusInTransit, Timestamp: base.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := delivery.Checkpoints[1].Timestamp; got.Before(delivery.Checkpoints[0].Timestamp) {
		t.Fatalf("log must stay non-decreasing, got %v before %v", got, delivery.Checkpoints[0].Timestamp)
	}
}

func TestAppendCheckpointRejectsTerminalDelivery(t *testing.T) {
	store := NewMemoryStore()
	insertTestDelivery(t, store, "trk_1")

	if _, err := store.AppendCheckpoint(context.Background(), "trk_1", Checkpoint{
		Location: "Customer yard", Type: CheckpointHandover, Status: StatusDelivered, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := store.AppendCheckpoint(context.Background(), "trk_1", Checkpoint{
		Location: "Anywhere", Type: CheckpointWaypoint, Status: StatusInTransit, Timestamp: time.Now().UTC(),
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestIdempotencyLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record, err := store.BeginIdempotency(ctx, "key-1", "hash-a")
	if err != nil || record != nil {
		t.Fatalf("first begin should grant ownership, got record=%v err=%v", record, err)
	}

	// Same key while in progress.
	if _, err := store.BeginIdempotency(ctx, "key-1", "hash-a"); !errors.Is(err, ErrIdempotencyInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}
	// Same key, different payload.
	if _, err := store.BeginIdempotency(ctx, "key-1", "hash-b"); !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	body := json.RawMessage(`{"kind":"create"}`)
	if err := store.CompleteIdempotency(ctx, "key-1", body); err != nil {
		t.Fatalf("complete: %v", err)
	}
	record, err = store.BeginIdempotency(ctx, "key-1", "hash-a")
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if record == nil || string(record.Body) != string(body) {
		t.Fatalf("expected stored record on replay, got %+v", record)
	}
}

func TestBeginIdempotencyReclaimsStaleKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.BeginIdempotency(ctx, "key-1", "hash-a"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Holder dies before completing; a fresh key is still held.
	if _, err := store.BeginIdempotency(ctx, "key-1", "hash-a"); !errors.Is(err, ErrIdempotencyInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}

	store.(*memoryStore).idempotency["key-1"].CreatedAt = time.Now().UTC().Add(-time.Hour)
	record, err := store.BeginIdempotency(ctx, "key-1", "hash-a")
	if err != nil || record != nil {
		t.Fatalf("stale key must be reclaimed, got record=%v err=%v", record, err)
	}
	// The reclaimer owns it now; others wait again.
	if _, err := store.BeginIdempotency(ctx, "key-1", "hash-a"); !errors.Is(err, ErrIdempotencyInProgress) {
		t.Fatalf("reclaimed key must be held, got %v", err)
	}
}

func TestAbortIdempotencyFreesKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.BeginIdempotency(ctx, "key-1", "hash-a"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.AbortIdempotency(ctx, "key-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	record, err := store.BeginIdempotency(ctx, "key-1", "hash-a")
	if err != nil || record != nil {
		t.Fatalf("aborted key must be re-ownable, got record=%v err=%v", record, err)
	}
}
