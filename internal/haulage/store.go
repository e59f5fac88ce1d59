package haulage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Store is the authoritative server-side persistence contract. Reserve and
// Release serialize per booking; AppendCheckpoint serializes per delivery.
type Store interface {
	CreateBooking(ctx context.Context, booking ParentBooking) error
	GetBooking(ctx context.Context, bookingID string) (ParentBooking, error)
	ListBookings(ctx context.Context) ([]ParentBooking, error)

	// Reserve atomically checks and decrements the booking's remaining
	// tonnage. Two concurrent reservations that would jointly overcommit
	// cannot both succeed.
	Reserve(ctx context.Context, bookingID string, tonnage float64) (Allocation, error)
	// Release reverses a committed, not-yet-reversed allocation. A second
	// release of the same allocation returns ErrAllocationReleased.
	Release(ctx context.Context, allocationID string) error

	InsertDelivery(ctx context.Context, delivery Delivery) error
	GetDelivery(ctx context.Context, trackingID string) (Delivery, error)
	ListDeliveries(ctx context.Context) ([]Delivery, error)
	// AppendCheckpoint appends under a per-delivery serialization scope,
	// assigns the sequence number, clamps the timestamp so the log stays
	// non-decreasing, and commits the checkpoint's status as the delivery's
	// current status.
	AppendCheckpoint(ctx context.Context, trackingID string, cp Checkpoint) (Delivery, error)

	// BeginIdempotency reserves the key for execution. It returns the stored
	// record when the key already completed, ErrIdempotencyInProgress when a
	// concurrent holder is still executing, and ErrIdempotencyMismatch when
	// the key is reused with a different payload. A nil record with nil error
	// means the caller now owns the key. An in-progress key whose holder died
	// mid-flight is reclaimed once it is older than the staleness bound, so a
	// crash between begin and complete cannot wedge the key forever.
	BeginIdempotency(ctx context.Context, key, requestHash string) (*IdempotencyRecord, error)
	CompleteIdempotency(ctx context.Context, key string, body json.RawMessage) error
	AbortIdempotency(ctx context.Context, key string) error

	Close() error
}

// idempotencyStaleAfter bounds how long an in-progress idempotency key may
// block replays before a new caller reclaims it.
const idempotencyStaleAfter = 15 * time.Minute

type memoryStore struct {
	mu           sync.RWMutex
	bookings     map[string]*ParentBooking
	allocations  map[string]*Allocation
	deliveries   map[string]*Delivery
	idempotency  map[string]*IdempotencyRecord
	bookingLocks map[string]*sync.Mutex
	deliverLocks map[string]*sync.Mutex
	lockMu       sync.Mutex
	ids          *IDGenerator
	idemStale    time.Duration
}

// NewMemoryStore returns an in-process Store used by tests and by the server
// when no database DSN is configured.
func NewMemoryStore() Store {
	return &memoryStore{
		bookings:     map[string]*ParentBooking{},
		allocations:  map[string]*Allocation{},
		deliveries:   map[string]*Delivery{},
		idempotency:  map[string]*IdempotencyRecord{},
		bookingLocks: map[string]*sync.Mutex{},
		deliverLocks: map[string]*sync.Mutex{},
		ids:          NewIDGenerator(),
		idemStale:    idempotencyStaleAfter,
	}
}

func (s *memoryStore) bookingLock(bookingID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.bookingLocks[bookingID]
	if !ok {
		lock = &sync.Mutex{}
		s.bookingLocks[bookingID] = lock
	}
	return lock
}

func (s *memoryStore) deliveryLock(trackingID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.deliverLocks[trackingID]
	if !ok {
		lock = &sync.Mutex{}
		s.deliverLocks[trackingID] = lock
	}
	return lock
}

func (s *memoryStore) CreateBooking(_ context.Context, booking ParentBooking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := booking
	s.bookings[booking.ID] = &copied
	return nil
}

func (s *memoryStore) GetBooking(_ context.Context, bookingID string) (ParentBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	booking, ok := s.bookings[bookingID]
	if !ok {
		return ParentBooking{}, ErrBookingNotFound
	}
	return *booking, nil
}

func (s *memoryStore) ListBookings(_ context.Context) ([]ParentBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ParentBooking, 0, len(s.bookings))
	for _, booking := range s.bookings {
		out = append(out, *booking)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Reserve(_ context.Context, bookingID string, tonnage float64) (Allocation, error) {
	lock := s.bookingLock(bookingID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	booking, ok := s.bookings[bookingID]
	if !ok {
		return Allocation{}, ErrBookingNotFound
	}
	if tonnage > booking.RemainingTonnage {
		return Allocation{}, &CapacityError{
			BookingID: bookingID,
			Requested: tonnage,
			Remaining: booking.RemainingTonnage,
		}
	}
	booking.RemainingTonnage -= tonnage
	alloc := Allocation{
		ID:        s.ids.AllocationID(),
		BookingID: bookingID,
		Tonnage:   tonnage,
		CreatedAt: time.Now().UTC(),
	}
	stored := alloc
	s.allocations[alloc.ID] = &stored
	return alloc, nil
}

func (s *memoryStore) Release(_ context.Context, allocationID string) error {
	s.mu.RLock()
	alloc, ok := s.allocations[allocationID]
	s.mu.RUnlock()
	if !ok {
		return ErrAllocationNotFound
	}

	lock := s.bookingLock(alloc.BookingID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if alloc.Released {
		return ErrAllocationReleased
	}
	alloc.Released = true
	if booking, ok := s.bookings[alloc.BookingID]; ok {
		booking.RemainingTonnage += alloc.Tonnage
		if booking.RemainingTonnage > booking.TotalTonnage {
			booking.RemainingTonnage = booking.TotalTonnage
		}
	}
	return nil
}

func (s *memoryStore) InsertDelivery(_ context.Context, delivery Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[delivery.TrackingID]; exists {
		return ErrDuplicateTrackingID
	}
	copied := delivery
	copied.Checkpoints = append([]Checkpoint(nil), delivery.Checkpoints...)
	s.deliveries[delivery.TrackingID] = &copied
	return nil
}

func (s *memoryStore) GetDelivery(_ context.Context, trackingID string) (Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	delivery, ok := s.deliveries[trackingID]
	if !ok {
		return Delivery{}, ErrDeliveryNotFound
	}
	return copyDelivery(delivery), nil
}

func (s *memoryStore) ListDeliveries(_ context.Context) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Delivery, 0, len(s.deliveries))
	for _, delivery := range s.deliveries {
		out = append(out, copyDelivery(delivery))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackingID < out[j].TrackingID })
	return out, nil
}

func (s *memoryStore) AppendCheckpoint(_ context.Context, trackingID string, cp Checkpoint) (Delivery, error) {
	lock := s.deliveryLock(trackingID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[trackingID]
	if !ok {
		return Delivery{}, ErrDeliveryNotFound
	}
	if IsTerminal(delivery.Status) {
		return Delivery{}, ErrInvalidTransition
	}
	cp.Seq = len(delivery.Checkpoints) + 1
	if n := len(delivery.Checkpoints); n > 0 {
		if last := delivery.Checkpoints[n-1].Timestamp; cp.Timestamp.Before(last) {
			cp.Timestamp = last
		}
	}
	delivery.Checkpoints = append(delivery.Checkpoints, cp)
	delivery.Status = cp.Status
	delivery.UpdatedAt = cp.Timestamp
	return copyDelivery(delivery), nil
}

func (s *memoryStore) BeginIdempotency(_ context.Context, key, requestHash string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.idempotency[key]; ok {
		if record.RequestHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if record.InProgress {
			if time.Since(record.CreatedAt) < s.idemStale {
				return nil, ErrIdempotencyInProgress
			}
			// The previous holder died between begin and complete. Reclaim
			// so the key cannot block this mutation forever.
			record.CreatedAt = time.Now().UTC()
			return nil, nil
		}
		copied := *record
		copied.Body = append(json.RawMessage(nil), record.Body...)
		return &copied, nil
	}
	s.idempotency[key] = &IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		InProgress:  true,
		CreatedAt:   time.Now().UTC(),
	}
	return nil, nil
}

func (s *memoryStore) CompleteIdempotency(_ context.Context, key string, body json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.idempotency[key]
	if !ok {
		return nil
	}
	record.InProgress = false
	record.Body = append(json.RawMessage(nil), body...)
	return nil
}

func (s *memoryStore) AbortIdempotency(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.idempotency[key]; ok && record.InProgress {
		delete(s.idempotency, key)
	}
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

func copyDelivery(d *Delivery) Delivery {
	copied := *d
	copied.Checkpoints = append([]Checkpoint(nil), d.Checkpoints...)
	return copied
}
