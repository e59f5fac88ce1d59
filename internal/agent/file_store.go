package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orehaul/haulsync/internal/haulage"
)

// fileStore keeps the whole device state in one JSON snapshot written with a
// temp-file rename. One file means Clear, Ack, and ResolveReference each
// commit the outbox and both caches together or not at all.
type fileStore struct {
	path   string
	mu     sync.Mutex
	state  fileStoreState
	closed bool
}

type fileStoreState struct {
	Entries    []OutboxEntry                    `json:"entries"`
	Deliveries map[string]haulage.Delivery      `json:"deliveries"`
	Bookings   map[string]haulage.ParentBooking `json:"bookings"`
}

func NewFileStore(path string) (LocalStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	s := &fileStore{
		path: path,
		state: fileStoreState{
			Deliveries: map[string]haulage.Delivery{},
			Bookings:   map[string]haulage.ParentBooking{},
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("corrupt state file %s: %w", s.path, err)
	}
	if state.Deliveries == nil {
		state.Deliveries = map[string]haulage.Delivery{}
	}
	if state.Bookings == nil {
		state.Bookings = map[string]haulage.ParentBooking{}
	}
	s.state = state
	return nil
}

func (s *fileStore) saveLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) EnqueueCreate(in haulage.CreateDeliveryInput) (OutboxEntry, error) {
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
	s.state.Entries = append(s.state.Entries, entry)
	if err := s.saveLocked(); err != nil {
		s.state.Entries = s.state.Entries[:len(s.state.Entries)-1]
		return OutboxEntry{}, err
	}
	return entry, nil
}

func (s *fileStore) EnqueueCheckpoint(entityRef string, in haulage.AppendCheckpointInput) (OutboxEntry, error) {
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
	s.state.Entries = append(s.state.Entries, entry)
	if err := s.saveLocked(); err != nil {
		s.state.Entries = s.state.Entries[:len(s.state.Entries)-1]
		return OutboxEntry{}, err
	}
	return entry, nil
}

func (s *fileStore) Pending() ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]OutboxEntry, 0, len(s.state.Entries))
	for _, entry := range s.state.Entries {
		if !entry.Failed {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *fileStore) Failed() ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := []OutboxEntry{}
	for _, entry := range s.state.Entries {
		if entry.Failed {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *fileStore) Ack(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i, entry := range s.state.Entries {
		if entry.LocalID == localID {
			removed := entry
			s.state.Entries = append(s.state.Entries[:i], s.state.Entries[i+1:]...)
			if err := s.saveLocked(); err != nil {
				s.state.Entries = append(s.state.Entries[:i], append([]OutboxEntry{removed}, s.state.Entries[i:]...)...)
				return err
			}
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *fileStore) MarkFailed(localID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.state.Entries {
		if s.state.Entries[i].LocalID == localID {
			s.state.Entries[i].Failed = true
			s.state.Entries[i].FailureReason = reason
			return s.saveLocked()
		}
	}
	return ErrEntryNotFound
}

func (s *fileStore) ResolveReference(localID, trackingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	ref := LocalRefPrefix + localID
	changed := false
	for i := range s.state.Entries {
		if s.state.Entries[i].EntityRef == ref {
			s.state.Entries[i].EntityRef = trackingID
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

func (s *fileStore) PutDelivery(d haulage.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.state.Deliveries[d.TrackingID] = d
	return s.saveLocked()
}

func (s *fileStore) GetDelivery(trackingID string) (haulage.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return haulage.Delivery{}, false, ErrStoreClosed
	}
	d, ok := s.state.Deliveries[trackingID]
	return d, ok, nil
}

func (s *fileStore) ListDeliveries() ([]haulage.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]haulage.Delivery, 0, len(s.state.Deliveries))
	for _, d := range s.state.Deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackingID < out[j].TrackingID })
	return out, nil
}

func (s *fileStore) PutBooking(b haulage.ParentBooking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.state.Bookings[b.ID] = b
	return s.saveLocked()
}

func (s *fileStore) ListBookings() ([]haulage.ParentBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]haulage.ParentBooking, 0, len(s.state.Bookings))
	for _, b := range s.state.Bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	previous := s.state
	s.state = fileStoreState{
		Deliveries: map[string]haulage.Delivery{},
		Bookings:   map[string]haulage.ParentBooking{},
	}
	if err := s.saveLocked(); err != nil {
		s.state = previous
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
