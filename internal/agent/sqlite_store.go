package agent

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orehaul/haulsync/internal/haulage"
)

// sqliteStore backs the device state with a single sqlite database. Outbox
// and caches share the database so Clear is one transaction.
type sqliteStore struct {
	db       *sql.DB
	initOnce sync.Once
	initErr  error
}

func NewSQLiteStore(path string) (LocalStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) ensureReady() error {
	s.initOnce.Do(func() {
		statements := []string{
			`CREATE TABLE IF NOT EXISTS outbox (
				position INTEGER PRIMARY KEY AUTOINCREMENT,
				local_id TEXT NOT NULL UNIQUE,
				mutation_type TEXT NOT NULL,
				entity_ref TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				failed INTEGER NOT NULL DEFAULT 0,
				failure_reason TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS delivery_cache (
				tracking_id TEXT PRIMARY KEY,
				body TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS booking_cache (
				booking_id TEXT PRIMARY KEY,
				body TEXT NOT NULL
			)`,
		}
		for _, stmt := range statements {
			if _, err := s.db.Exec(stmt); err != nil {
				s.initErr = fmt.Errorf("initializing local database: %w", err)
				return
			}
		}
	})
	return s.initErr
}

func (s *sqliteStore) insertEntry(entry OutboxEntry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO outbox (local_id, mutation_type, entity_ref, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.LocalID, string(entry.Type), entry.EntityRef, string(entry.Payload), entry.CreatedAt,
	)
	return err
}

func (s *sqliteStore) EnqueueCreate(in haulage.CreateDeliveryInput) (OutboxEntry, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return OutboxEntry{}, err
	}
	entry := OutboxEntry{
		LocalID:   newLocalID(),
		Type:      MutationCreateDelivery,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	entry.EntityRef = LocalRefPrefix + entry.LocalID
	if err := s.insertEntry(entry); err != nil {
		return OutboxEntry{}, err
	}
	return entry, nil
}

func (s *sqliteStore) EnqueueCheckpoint(entityRef string, in haulage.AppendCheckpointInput) (OutboxEntry, error) {
	if entityRef == "" {
		return OutboxEntry{}, fmt.Errorf("entity reference is required")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return OutboxEntry{}, err
	}
	entry := OutboxEntry{
		LocalID:   newLocalID(),
		Type:      MutationAppendCheckpoint,
		EntityRef: entityRef,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.insertEntry(entry); err != nil {
		return OutboxEntry{}, err
	}
	return entry, nil
}

func (s *sqliteStore) scanEntries(failed bool) ([]OutboxEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT local_id, mutation_type, entity_ref, payload, created_at, failed, failure_reason
		 FROM outbox WHERE failed = ? ORDER BY position`,
		failed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []OutboxEntry{}
	for rows.Next() {
		var entry OutboxEntry
		var mutationType, payload string
		if err := rows.Scan(&entry.LocalID, &mutationType, &entry.EntityRef, &payload,
			&entry.CreatedAt, &entry.Failed, &entry.FailureReason); err != nil {
			return nil, err
		}
		entry.Type = MutationType(mutationType)
		entry.Payload = json.RawMessage(payload)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Pending() ([]OutboxEntry, error) {
	return s.scanEntries(false)
}

func (s *sqliteStore) Failed() ([]OutboxEntry, error) {
	return s.scanEntries(true)
}

func (s *sqliteStore) Ack(localID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := s.db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *sqliteStore) MarkFailed(localID, reason string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := s.db.Exec(
		`UPDATE outbox SET failed = 1, failure_reason = ? WHERE local_id = ?`,
		reason, localID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *sqliteStore) ResolveReference(localID, trackingID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`UPDATE outbox SET entity_ref = ? WHERE entity_ref = ?`,
		trackingID, LocalRefPrefix+localID,
	)
	return err
}

func (s *sqliteStore) PutDelivery(d haulage.Delivery) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO delivery_cache (tracking_id, body) VALUES (?, ?)
		 ON CONFLICT (tracking_id) DO UPDATE SET body = excluded.body`,
		d.TrackingID, string(body),
	)
	return err
}

func (s *sqliteStore) GetDelivery(trackingID string) (haulage.Delivery, bool, error) {
	if err := s.ensureReady(); err != nil {
		return haulage.Delivery{}, false, err
	}
	var body string
	err := s.db.QueryRow(`SELECT body FROM delivery_cache WHERE tracking_id = ?`, trackingID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return haulage.Delivery{}, false, nil
	}
	if err != nil {
		return haulage.Delivery{}, false, err
	}
	var d haulage.Delivery
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return haulage.Delivery{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) ListDeliveries() ([]haulage.Delivery, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT body FROM delivery_cache ORDER BY tracking_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []haulage.Delivery{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d haulage.Delivery
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutBooking(b haulage.ParentBooking) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO booking_cache (booking_id, body) VALUES (?, ?)
		 ON CONFLICT (booking_id) DO UPDATE SET body = excluded.body`,
		b.ID, string(body),
	)
	return err
}

func (s *sqliteStore) ListBookings() ([]haulage.ParentBooking, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT body FROM booking_cache ORDER BY booking_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []haulage.ParentBooking{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var b haulage.ParentBooking
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Clear() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"outbox", "delivery_cache", "booking_cache"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
