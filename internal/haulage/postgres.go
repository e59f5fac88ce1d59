package haulage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	pgBookingsTable    = "haulsync_bookings"
	pgAllocationsTable = "haulsync_allocations"
	pgDeliveriesTable  = "haulsync_deliveries"
	pgCheckpointsTable = "haulsync_checkpoints"
	pgIdempotencyTable = "haulsync_idempotency_keys"

	pgUniqueViolation = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements Store on postgres. Reserve/Release run inside a
// transaction holding the booking row lock, which is the serialization
// discipline the capacity invariant depends on.
type PostgresStore struct {
	dsn       string
	ids       *IDGenerator
	openDB    sqlOpenFunc
	idemStale time.Duration

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &PostgresStore{
		dsn:       dsn,
		ids:       NewIDGenerator(),
		openDB:    sql.Open,
		idemStale: idempotencyStaleAfter,
	}, nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + pgBookingsTable + ` (
				id TEXT PRIMARY KEY,
				customer TEXT NOT NULL,
				customer_phone TEXT NOT NULL DEFAULT '',
				mineral TEXT NOT NULL,
				total_tonnage DOUBLE PRECISION NOT NULL,
				remaining_tonnage DOUBLE PRECISION NOT NULL CHECK (remaining_tonnage >= 0),
				loading_point TEXT NOT NULL DEFAULT '',
				deadline TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS ` + pgAllocationsTable + ` (
				id TEXT PRIMARY KEY,
				booking_id TEXT NOT NULL REFERENCES ` + pgBookingsTable + `(id),
				tonnage DOUBLE PRECISION NOT NULL,
				released BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS ` + pgDeliveriesTable + ` (
				tracking_id TEXT PRIMARY KEY,
				booking_reference TEXT NOT NULL,
				booking_id TEXT NOT NULL REFERENCES ` + pgBookingsTable + `(id),
				allocation_id TEXT NOT NULL REFERENCES ` + pgAllocationsTable + `(id),
				customer TEXT NOT NULL,
				customer_phone TEXT NOT NULL DEFAULT '',
				tonnage DOUBLE PRECISION NOT NULL,
				container_count INT NOT NULL,
				status TEXT NOT NULL,
				driver_name TEXT NOT NULL,
				driver_phone TEXT NOT NULL DEFAULT '',
				vehicle_reg TEXT NOT NULL,
				trailer_reg TEXT NOT NULL DEFAULT '',
				transport_co TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ` + pgCheckpointsTable + ` (
				tracking_id TEXT NOT NULL REFERENCES ` + pgDeliveriesTable + `(tracking_id),
				seq INT NOT NULL,
				location TEXT NOT NULL,
				checkpoint_type TEXT NOT NULL,
				status TEXT NOT NULL,
				operator_id TEXT NOT NULL DEFAULT '',
				note TEXT NOT NULL DEFAULT '',
				ts TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (tracking_id, seq)
			)`,
			`CREATE TABLE IF NOT EXISTS ` + pgIdempotencyTable + ` (
				key TEXT PRIMARY KEY,
				request_hash TEXT NOT NULL,
				status TEXT NOT NULL,
				body TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) CreateBooking(ctx context.Context, booking ParentBooking) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+pgBookingsTable+`
			(id, customer, customer_phone, mineral, total_tonnage, remaining_tonnage, loading_point, deadline, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		booking.ID, booking.Customer, booking.CustomerPhone, booking.Mineral,
		booking.TotalTonnage, booking.RemainingTonnage, booking.LoadingPoint,
		nullableTime(booking.Deadline), booking.CreatedAt)
	return err
}

func (s *PostgresStore) GetBooking(ctx context.Context, bookingID string) (ParentBooking, error) {
	if err := s.ensureReady(ctx); err != nil {
		return ParentBooking{}, err
	}
	return scanBooking(s.db.QueryRowContext(ctx,
		`SELECT id, customer, customer_phone, mineral, total_tonnage, remaining_tonnage, loading_point, deadline, created_at
		 FROM `+pgBookingsTable+` WHERE id = $1`, bookingID))
}

func (s *PostgresStore) ListBookings(ctx context.Context) ([]ParentBooking, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer, customer_phone, mineral, total_tonnage, remaining_tonnage, loading_point, deadline, created_at
		 FROM `+pgBookingsTable+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ParentBooking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, booking)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Reserve(ctx context.Context, bookingID string, tonnage float64) (Allocation, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Allocation{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Allocation{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var remaining float64
	err = tx.QueryRowContext(ctx,
		`SELECT remaining_tonnage FROM `+pgBookingsTable+` WHERE id = $1 FOR UPDATE`,
		bookingID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return Allocation{}, ErrBookingNotFound
	}
	if err != nil {
		return Allocation{}, err
	}
	if tonnage > remaining {
		return Allocation{}, &CapacityError{BookingID: bookingID, Requested: tonnage, Remaining: remaining}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+pgBookingsTable+` SET remaining_tonnage = remaining_tonnage - $1 WHERE id = $2`,
		tonnage, bookingID); err != nil {
		return Allocation{}, err
	}
	alloc := Allocation{
		ID:        s.ids.AllocationID(),
		BookingID: bookingID,
		Tonnage:   tonnage,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+pgAllocationsTable+` (id, booking_id, tonnage, released, created_at) VALUES ($1, $2, $3, FALSE, $4)`,
		alloc.ID, alloc.BookingID, alloc.Tonnage, alloc.CreatedAt); err != nil {
		return Allocation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Allocation{}, err
	}
	committed = true
	return alloc, nil
}

func (s *PostgresStore) Release(ctx context.Context, allocationID string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var bookingID string
	var tonnage float64
	var released bool
	err = tx.QueryRowContext(ctx,
		`SELECT booking_id, tonnage, released FROM `+pgAllocationsTable+` WHERE id = $1 FOR UPDATE`,
		allocationID).Scan(&bookingID, &tonnage, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAllocationNotFound
	}
	if err != nil {
		return err
	}
	if released {
		return ErrAllocationReleased
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+pgAllocationsTable+` SET released = TRUE WHERE id = $1`, allocationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+pgBookingsTable+`
		 SET remaining_tonnage = LEAST(total_tonnage, remaining_tonnage + $1)
		 WHERE id = $2`, tonnage, bookingID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) InsertDelivery(ctx context.Context, delivery Delivery) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+pgDeliveriesTable+`
			(tracking_id, booking_reference, booking_id, allocation_id, customer, customer_phone,
			 tonnage, container_count, status, driver_name, driver_phone, vehicle_reg, trailer_reg,
			 transport_co, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		delivery.TrackingID, delivery.BookingReference, delivery.ParentBookingID, delivery.AllocationID,
		delivery.Customer, delivery.CustomerPhone, delivery.Tonnage, delivery.ContainerCount,
		string(delivery.Status), delivery.Driver.Name, delivery.Driver.Phone, delivery.Driver.VehicleReg,
		delivery.Driver.TrailerReg, delivery.Driver.TransportCo, delivery.CreatedAt, delivery.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return ErrDuplicateTrackingID
	}
	return err
}

func (s *PostgresStore) GetDelivery(ctx context.Context, trackingID string) (Delivery, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Delivery{}, err
	}
	delivery, err := scanDeliveryRow(s.db.QueryRowContext(ctx, selectDeliveryQuery+` WHERE tracking_id = $1`, trackingID))
	if err != nil {
		return Delivery{}, err
	}
	checkpoints, err := s.loadCheckpoints(ctx, s.db, trackingID)
	if err != nil {
		return Delivery{}, err
	}
	delivery.Checkpoints = checkpoints
	return delivery, nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context) ([]Delivery, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectDeliveryQuery+` ORDER BY tracking_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		delivery, err := scanDeliveryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		checkpoints, err := s.loadCheckpoints(ctx, s.db, out[i].TrackingID)
		if err != nil {
			return nil, err
		}
		out[i].Checkpoints = checkpoints
	}
	return out, nil
}

func (s *PostgresStore) AppendCheckpoint(ctx context.Context, trackingID string, cp Checkpoint) (Delivery, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Delivery{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Delivery{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM `+pgDeliveriesTable+` WHERE tracking_id = $1 FOR UPDATE`,
		trackingID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrDeliveryNotFound
	}
	if err != nil {
		return Delivery{}, err
	}
	if IsTerminal(Status(status)) {
		return Delivery{}, ErrInvalidTransition
	}

	var maxSeq int
	var lastTS sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), MAX(ts) FROM `+pgCheckpointsTable+` WHERE tracking_id = $1`,
		trackingID).Scan(&maxSeq, &lastTS); err != nil {
		return Delivery{}, err
	}
	cp.Seq = maxSeq + 1
	if lastTS.Valid && cp.Timestamp.Before(lastTS.Time) {
		cp.Timestamp = lastTS.Time
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+pgCheckpointsTable+` (tracking_id, seq, location, checkpoint_type, status, operator_id, note, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		trackingID, cp.Seq, cp.Location, string(cp.Type), string(cp.Status), cp.OperatorID, cp.Note, cp.Timestamp); err != nil {
		return Delivery{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+pgDeliveriesTable+` SET status = $1, updated_at = $2 WHERE tracking_id = $3`,
		string(cp.Status), cp.Timestamp, trackingID); err != nil {
		return Delivery{}, err
	}
	delivery, err := scanDeliveryRow(tx.QueryRowContext(ctx, selectDeliveryQuery+` WHERE tracking_id = $1`, trackingID))
	if err != nil {
		return Delivery{}, err
	}
	checkpoints, err := s.loadCheckpoints(ctx, tx, trackingID)
	if err != nil {
		return Delivery{}, err
	}
	delivery.Checkpoints = checkpoints
	if err := tx.Commit(); err != nil {
		return Delivery{}, err
	}
	committed = true
	return delivery, nil
}

func (s *PostgresStore) BeginIdempotency(ctx context.Context, key, requestHash string) (*IdempotencyRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	var storedHash, status string
	var body sql.NullString
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status, body, created_at FROM `+pgIdempotencyTable+` WHERE key = $1`,
		key).Scan(&storedHash, &status, &body, &createdAt)
	if err == nil {
		if storedHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if status != "completed" {
			// An in-progress row older than the staleness bound means its
			// holder died between begin and complete. Reclaim it; without
			// this the key would return in-progress on every replay.
			cutoff := time.Now().UTC().Add(-s.idemStale)
			if createdAt.After(cutoff) {
				return nil, ErrIdempotencyInProgress
			}
			res, err := s.db.ExecContext(ctx,
				`UPDATE `+pgIdempotencyTable+`
				 SET created_at = NOW()
				 WHERE key = $1 AND status = 'in_progress' AND created_at <= $2`,
				key, cutoff)
			if err != nil {
				return nil, err
			}
			reclaimed, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if reclaimed == 0 {
				// Lost the race to another reclaimer or a late completion.
				return nil, ErrIdempotencyInProgress
			}
			return nil, nil
		}
		return &IdempotencyRecord{
			Key:         key,
			RequestHash: storedHash,
			Body:        json.RawMessage(body.String),
			CreatedAt:   createdAt,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+pgIdempotencyTable+` (key, request_hash, status) VALUES ($1, $2, 'in_progress')`,
		key, requestHash)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return nil, ErrIdempotencyInProgress
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *PostgresStore) CompleteIdempotency(ctx context.Context, key string, body json.RawMessage) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+pgIdempotencyTable+` SET status = 'completed', body = $1 WHERE key = $2`,
		string(body), key)
	return err
}

func (s *PostgresStore) AbortIdempotency(ctx context.Context, key string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+pgIdempotencyTable+` WHERE key = $1 AND status = 'in_progress'`, key)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectDeliveryQuery = `SELECT tracking_id, booking_reference, booking_id, allocation_id, customer, customer_phone,
	tonnage, container_count, status, driver_name, driver_phone, vehicle_reg, trailer_reg, transport_co,
	created_at, updated_at FROM ` + pgDeliveriesTable

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanBooking(row rowScanner) (ParentBooking, error) {
	var booking ParentBooking
	var deadline sql.NullTime
	err := row.Scan(&booking.ID, &booking.Customer, &booking.CustomerPhone, &booking.Mineral,
		&booking.TotalTonnage, &booking.RemainingTonnage, &booking.LoadingPoint, &deadline, &booking.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ParentBooking{}, ErrBookingNotFound
	}
	if err != nil {
		return ParentBooking{}, err
	}
	if deadline.Valid {
		booking.Deadline = deadline.Time
	}
	return booking, nil
}

func scanDeliveryRow(row rowScanner) (Delivery, error) {
	var delivery Delivery
	var status string
	err := row.Scan(&delivery.TrackingID, &delivery.BookingReference, &delivery.ParentBookingID,
		&delivery.AllocationID, &delivery.Customer, &delivery.CustomerPhone, &delivery.Tonnage,
		&delivery.ContainerCount, &status, &delivery.Driver.Name, &delivery.Driver.Phone,
		&delivery.Driver.VehicleReg, &delivery.Driver.TrailerReg, &delivery.Driver.TransportCo,
		&delivery.CreatedAt, &delivery.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrDeliveryNotFound
	}
	if err != nil {
		return Delivery{}, err
	}
	delivery.Status = Status(status)
	return delivery, nil
}

func (s *PostgresStore) loadCheckpoints(ctx context.Context, runner queryRunner, trackingID string) ([]Checkpoint, error) {
	rows, err := runner.QueryContext(ctx,
		`SELECT seq, location, checkpoint_type, status, operator_id, note, ts
		 FROM `+pgCheckpointsTable+` WHERE tracking_id = $1 ORDER BY seq`, trackingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var cpType, cpStatus string
		if err := rows.Scan(&cp.Seq, &cp.Location, &cpType, &cpStatus, &cp.OperatorID, &cp.Note, &cp.Timestamp); err != nil {
			return nil, err
		}
		cp.Type = CheckpointType(cpType)
		cp.Status = Status(cpStatus)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
