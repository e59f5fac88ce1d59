package haulage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Service drives the delivery lifecycle: capacity reservation, id generation
// with bounded retry, durable persistence, and the detached post-commit
// notification step. It also owns the server side of the idempotent replay
// contract: a local id already applied returns the original outcome without
// re-executing the reservation or re-appending a checkpoint.
type Service struct {
	store      Store
	ids        *IDGenerator
	retry      RetryPolicy
	dispatcher *Dispatcher
	clock      func() time.Time
	logger     Logger
}

type ServiceOptions struct {
	Store      Store
	IDs        *IDGenerator
	Retry      RetryPolicy
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     Logger
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.IDs == nil {
		opts.IDs = NewIDGenerator()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:      opts.Store,
		ids:        opts.IDs,
		retry:      opts.Retry.withDefaults(),
		dispatcher: opts.Dispatcher,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// storedOutcome is the wire form persisted under an idempotency key.
type storedOutcome struct {
	Kind       string                  `json:"kind"`
	ErrorCode  string                  `json:"errorCode,omitempty"`
	ErrorMsg   string                  `json:"errorMsg,omitempty"`
	Create     *CreateDeliveryResult   `json:"create,omitempty"`
	Checkpoint *AppendCheckpointResult `json:"checkpoint,omitempty"`
}

// CreateDelivery validates, reserves capacity, generates identifiers under
// the retry policy, persists, and only then notifies. Cheap checks run before
// side-effecting ones; any failure after reservation but before durable
// persistence releases the reservation.
func (s *Service) CreateDelivery(ctx context.Context, idemKey string, in CreateDeliveryInput) (CreateDeliveryResult, error) {
	if verr := ValidateCreateDelivery(in); verr != nil {
		return CreateDeliveryResult{}, verr
	}

	if idemKey != "" {
		record, err := s.store.BeginIdempotency(ctx, idemKey, hashPayload("create", in))
		if err != nil {
			return CreateDeliveryResult{}, err
		}
		if record != nil {
			outcome, err := decodeOutcome(idemKey, record.Body)
			if err != nil {
				return CreateDeliveryResult{}, err
			}
			if outcome.ErrorCode != "" {
				return CreateDeliveryResult{}, errorForOutcomeCode(outcome.ErrorCode, outcome.ErrorMsg)
			}
			if outcome.Create == nil {
				return CreateDeliveryResult{}, fmt.Errorf("idempotency key %s was used for a %s mutation", idemKey, outcome.Kind)
			}
			result := *outcome.Create
			result.Replayed = true
			return result, nil
		}
	}

	result, execErr := s.executeCreate(ctx, in)
	if idemKey != "" {
		s.recordOutcome(ctx, idemKey, storedOutcome{Kind: "create", Create: &result}, execErr)
	}
	return result, execErr
}

func (s *Service) executeCreate(ctx context.Context, in CreateDeliveryInput) (CreateDeliveryResult, error) {
	alloc, err := s.store.Reserve(ctx, in.BookingID, in.Tonnage)
	if err != nil {
		return CreateDeliveryResult{}, err
	}

	now := s.clock().UTC()
	var delivery Delivery
	for attempt := 1; ; attempt++ {
		delivery = Delivery{
			TrackingID:       s.ids.TrackingID(),
			BookingReference: s.ids.BookingReference(),
			ParentBookingID:  in.BookingID,
			AllocationID:     alloc.ID,
			Customer:         in.Customer,
			CustomerPhone:    in.CustomerPhone,
			Tonnage:          in.Tonnage,
			ContainerCount:   in.ContainerCount,
			Status:           StatusPending,
			Driver:           in.Driver,
			Checkpoints:      []Checkpoint{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err = s.store.InsertDelivery(ctx, delivery)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateTrackingID) {
			s.releaseQuietly(ctx, alloc.ID)
			return CreateDeliveryResult{}, err
		}
		if attempt >= s.retry.MaxAttempts {
			s.releaseQuietly(ctx, alloc.ID)
			s.logf("OPERATIONAL ALERT: tracking id generation exhausted %d attempts for booking %s", s.retry.MaxAttempts, in.BookingID)
			return CreateDeliveryResult{}, ErrIDExhausted
		}
		if s.retry.Backoff > 0 {
			select {
			case <-ctx.Done():
				s.releaseQuietly(ctx, alloc.ID)
				return CreateDeliveryResult{}, ctx.Err()
			case <-time.After(s.retry.Backoff):
			}
		}
	}

	notification := s.dispatcher.Notify(ctx, delivery, EventDeliveryCreated)
	return CreateDeliveryResult{Delivery: delivery, Notification: notification}, nil
}

// AppendCheckpoint appends to the delivery's log with a server-assigned
// timestamp, recomputes the status from the policy table, and notifies after
// commit. A checkpoint that drives the delivery into cancellation returns
// its tonnage to the parent booking.
func (s *Service) AppendCheckpoint(ctx context.Context, idemKey string, in AppendCheckpointInput) (AppendCheckpointResult, error) {
	if verr := ValidateAppendCheckpoint(in); verr != nil {
		return AppendCheckpointResult{}, verr
	}

	if idemKey != "" {
		record, err := s.store.BeginIdempotency(ctx, idemKey, hashPayload("checkpoint", in))
		if err != nil {
			return AppendCheckpointResult{}, err
		}
		if record != nil {
			outcome, err := decodeOutcome(idemKey, record.Body)
			if err != nil {
				return AppendCheckpointResult{}, err
			}
			if outcome.ErrorCode != "" {
				return AppendCheckpointResult{}, errorForOutcomeCode(outcome.ErrorCode, outcome.ErrorMsg)
			}
			if outcome.Checkpoint == nil {
				return AppendCheckpointResult{}, fmt.Errorf("idempotency key %s was used for a %s mutation", idemKey, outcome.Kind)
			}
			result := *outcome.Checkpoint
			result.Replayed = true
			return result, nil
		}
	}

	result, execErr := s.executeAppend(ctx, in)
	if idemKey != "" {
		s.recordOutcome(ctx, idemKey, storedOutcome{Kind: "checkpoint", Checkpoint: &result}, execErr)
	}
	return result, execErr
}

func (s *Service) executeAppend(ctx context.Context, in AppendCheckpointInput) (AppendCheckpointResult, error) {
	status, _ := StatusForCheckpoint(in.Type)
	cp := Checkpoint{
		Location:   in.Location,
		Type:       in.Type,
		Status:     status,
		OperatorID: in.OperatorID,
		Note:       in.Note,
		Timestamp:  s.clock().UTC(),
	}
	delivery, err := s.store.AppendCheckpoint(ctx, in.TrackingID, cp)
	if err != nil {
		return AppendCheckpointResult{}, err
	}

	if delivery.Status == StatusCancelled && delivery.AllocationID != "" {
		if err := s.store.Release(ctx, delivery.AllocationID); err != nil {
			s.logf("OPERATIONAL ALERT: releasing allocation %s for cancelled delivery %s failed: %v",
				delivery.AllocationID, delivery.TrackingID, err)
		}
	}

	notification := s.dispatcher.Notify(ctx, delivery, EventStatusChanged)
	appended := delivery.Checkpoints[len(delivery.Checkpoints)-1]
	return AppendCheckpointResult{Delivery: delivery, Checkpoint: appended, Notification: notification}, nil
}

// recordOutcome finalizes the idempotency key. Terminal business failures are
// recorded so replays observe the original rejection; transient failures
// abort the reservation so a retry re-executes.
func (s *Service) recordOutcome(ctx context.Context, idemKey string, outcome storedOutcome, execErr error) {
	if execErr != nil {
		code, terminal := terminalOutcomeCode(execErr)
		if !terminal {
			if err := s.store.AbortIdempotency(ctx, idemKey); err != nil {
				s.logf("aborting idempotency key %s failed: %v", idemKey, err)
			}
			return
		}
		outcome = storedOutcome{Kind: outcome.Kind, ErrorCode: code, ErrorMsg: execErr.Error()}
	}
	body, err := json.Marshal(outcome)
	if err == nil {
		err = s.store.CompleteIdempotency(ctx, idemKey, body)
	}
	if err != nil {
		// The mutation is committed but the key is stuck in progress. The
		// staleness reclaim in BeginIdempotency unwedges it after the bound,
		// at the cost of a possible re-execution of this mutation.
		s.logf("recording outcome for idempotency key %s failed: %v", idemKey, err)
	}
}

func decodeOutcome(idemKey string, body json.RawMessage) (storedOutcome, error) {
	var outcome storedOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return storedOutcome{}, fmt.Errorf("decode stored outcome for key %s: %w", idemKey, err)
	}
	return outcome, nil
}

func (s *Service) releaseQuietly(ctx context.Context, allocationID string) {
	if err := s.store.Release(ctx, allocationID); err != nil {
		s.logf("OPERATIONAL ALERT: compensating release of allocation %s failed, capacity may leak: %v", allocationID, err)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func hashPayload(kind string, payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", payload))
	}
	sum := sha256.Sum256(append([]byte(kind+"|"), raw...))
	return hex.EncodeToString(sum[:])
}

// CreateBooking is the intake surface for parent bookings. Bookings start
// with their full allotment remaining.
func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (ParentBooking, error) {
	if verr := ValidateCreateBooking(in); verr != nil {
		return ParentBooking{}, verr
	}
	booking := ParentBooking{
		ID:               s.ids.BookingID(),
		Customer:         in.Customer,
		CustomerPhone:    in.CustomerPhone,
		Mineral:          in.Mineral,
		TotalTonnage:     in.TotalTonnage,
		RemainingTonnage: in.TotalTonnage,
		LoadingPoint:     in.LoadingPoint,
		Deadline:         in.Deadline,
		CreatedAt:        s.clock().UTC(),
	}
	if err := s.store.CreateBooking(ctx, booking); err != nil {
		return ParentBooking{}, err
	}
	return booking, nil
}

func (s *Service) GetBooking(ctx context.Context, bookingID string) (ParentBooking, error) {
	return s.store.GetBooking(ctx, bookingID)
}

func (s *Service) ListBookings(ctx context.Context) ([]ParentBooking, error) {
	return s.store.ListBookings(ctx)
}

func (s *Service) GetDelivery(ctx context.Context, trackingID string) (Delivery, error) {
	return s.store.GetDelivery(ctx, trackingID)
}

func (s *Service) ListDeliveries(ctx context.Context) ([]Delivery, error) {
	return s.store.ListDeliveries(ctx)
}
