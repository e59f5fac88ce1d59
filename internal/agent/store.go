package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orehaul/haulsync/internal/haulage"
)

var (
	ErrEntryNotFound = errors.New("outbox entry not found")
	ErrStoreClosed   = errors.New("local store is closed")
)

type MutationType string

const (
	MutationCreateDelivery   MutationType = "create_delivery"
	MutationAppendCheckpoint MutationType = "append_checkpoint"
)

// LocalRefPrefix marks an entity reference that points at a not-yet-confirmed
// local create rather than a server tracking id.
const LocalRefPrefix = "local:"

// OutboxEntry is one pending mutation captured while offline. LocalID doubles
// as the idempotency key sent to the server, so a drain that dies mid-flight
// cannot double-apply on the next pass.
type OutboxEntry struct {
	LocalID       string          `json:"localId"`
	Type          MutationType    `json:"type"`
	EntityRef     string          `json:"entityRef"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Failed        bool            `json:"failed,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

func (e OutboxEntry) IsLocalRef() bool {
	return len(e.EntityRef) > len(LocalRefPrefix) && e.EntityRef[:len(LocalRefPrefix)] == LocalRefPrefix
}

func (e OutboxEntry) LocalRef() string {
	if !e.IsLocalRef() {
		return ""
	}
	return e.EntityRef[len(LocalRefPrefix):]
}

// LocalStore is the device-side durable state: the pending outbox plus read
// caches of deliveries and bookings last seen from the server. Clear wipes
// all of it in one shot, so a sign-out can never leave a cache referencing a
// queue that is gone.
type LocalStore interface {
	// EnqueueCreate records an offline delivery creation and returns the
	// entry; its LocalID names the provisional entity for later checkpoints.
	EnqueueCreate(in haulage.CreateDeliveryInput) (OutboxEntry, error)
	// EnqueueCheckpoint records an offline checkpoint append. entityRef is a
	// server tracking id, or LocalRefPrefix+localID when the parent create is
	// itself still queued.
	EnqueueCheckpoint(entityRef string, in haulage.AppendCheckpointInput) (OutboxEntry, error)
	// Pending returns non-failed entries in enqueue order.
	Pending() ([]OutboxEntry, error)
	// Ack removes a confirmed entry.
	Ack(localID string) error
	// MarkFailed parks an entry as terminally rejected; it stays visible for
	// operator review but is skipped by drains.
	MarkFailed(localID, reason string) error
	Failed() ([]OutboxEntry, error)
	// ResolveReference rewrites LocalRefPrefix+localID references to the
	// server-issued tracking id once the create confirms.
	ResolveReference(localID, trackingID string) error

	PutDelivery(d haulage.Delivery) error
	GetDelivery(trackingID string) (haulage.Delivery, bool, error)
	ListDeliveries() ([]haulage.Delivery, error)
	PutBooking(b haulage.ParentBooking) error
	ListBookings() ([]haulage.ParentBooking, error)

	// Clear atomically drops the outbox and both caches.
	Clear() error
	Close() error
}

type memoryStore struct {
	mu         sync.Mutex
	entries    []OutboxEntry
	deliveries map[string]haulage.Delivery
	bookings   map[string]haulage.ParentBooking
	closed     bool
}

func NewMemoryStore() LocalStore {
	return &memoryStore{
		deliveries: map[string]haulage.Delivery{},
		bookings:   map[string]haulage.ParentBooking{},
	}
}

func newLocalID() string {
	return "loc_" + uuid.NewString()
}

func (s *memoryStore) EnqueueCreate(in haulage.CreateDeliveryInput) (OutboxEntry, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return OutboxEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return OutboxEntry{}, ErrStoreClosed
	}
	entry := OutboxEntry{
		LocalID:   newLocalID(),
		Type:      MutationCreateDelivery,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	entry.EntityRef = LocalRefPrefix + entry.LocalID
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *memoryStore) EnqueueCheckpoint(entityRef string, in haulage.AppendCheckpointInput) (OutboxEntry, error) {
	if entityRef == "" {
		return OutboxEntry{}, fmt.Errorf("entity reference is required")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return OutboxEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return OutboxEntry{}, ErrStoreClosed
	}
	entry := OutboxEntry{
		LocalID:   newLocalID(),
		Type:      MutationAppendCheckpoint,
		EntityRef: entityRef,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *memoryStore) Pending() ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]OutboxEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.Failed {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *memoryStore) Failed() ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := []OutboxEntry{}
	for _, entry := range s.entries {
		if entry.Failed {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *memoryStore) Ack(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i, entry := range s.entries {
		if entry.LocalID == localID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *memoryStore) MarkFailed(localID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.entries {
		if s.entries[i].LocalID == localID {
			s.entries[i].Failed = true
			s.entries[i].FailureReason = reason
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *memoryStore) ResolveReference(localID, trackingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	ref := LocalRefPrefix + localID
	for i := range s.entries {
		if s.entries[i].EntityRef == ref {
			s.entries[i].EntityRef = trackingID
		}
	}
	return nil
}

func (s *memoryStore) PutDelivery(d haulage.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.deliveries[d.TrackingID] = d
	return nil
}

func (s *memoryStore) GetDelivery(trackingID string) (haulage.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return haulage.Delivery{}, false, ErrStoreClosed
	}
	d, ok := s.deliveries[trackingID]
	return d, ok, nil
}

func (s *memoryStore) ListDeliveries() ([]haulage.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]haulage.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackingID < out[j].TrackingID })
	return out, nil
}

func (s *memoryStore) PutBooking(b haulage.ParentBooking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.bookings[b.ID] = b
	return nil
}

func (s *memoryStore) ListBookings() ([]haulage.ParentBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]haulage.ParentBooking, 0, len(s.bookings))
	for _, b := range s.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.entries = nil
	s.deliveries = map[string]haulage.Delivery{}
	s.bookings = map[string]haulage.ParentBooking{}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
