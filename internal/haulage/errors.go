package haulage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBookingNotFound       = errors.New("booking not found")
	ErrDeliveryNotFound      = errors.New("delivery not found")
	ErrInsufficientCapacity  = errors.New("insufficient remaining tonnage")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrIDExhausted           = errors.New("tracking id space exhausted after retries")
	ErrDuplicateTrackingID   = errors.New("tracking id already committed")
	ErrAllocationNotFound    = errors.New("allocation not found")
	ErrAllocationReleased    = errors.New("allocation already released")
	ErrIdempotencyInProgress = errors.New("mutation with this idempotency key is in progress")
	ErrIdempotencyMismatch   = errors.New("idempotency key reused with a different payload")
	ErrValidation            = errors.New("validation failed")
)

// ValidationError reports the caller's faults field by field. It is terminal
// and never retried.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CapacityError carries the tonnage arithmetic behind an
// ErrInsufficientCapacity rejection so the caller can act on it.
type CapacityError struct {
	BookingID string
	Requested float64
	Remaining float64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient remaining tonnage on booking %s: requested %.3f, remaining %.3f",
		e.BookingID, e.Requested, e.Remaining)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrInsufficientCapacity
}

// Terminal business errors may be recorded under an idempotency key so a
// replay observes the original outcome instead of re-executing the mutation.
// The codes below are the stable wire form of that record.
const (
	outcomeCodeBookingNotFound      = "booking_not_found"
	outcomeCodeDeliveryNotFound     = "delivery_not_found"
	outcomeCodeInsufficientCapacity = "insufficient_capacity"
	outcomeCodeInvalidTransition    = "invalid_transition"
	outcomeCodeValidation           = "validation_failed"
)

func terminalOutcomeCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrBookingNotFound):
		return outcomeCodeBookingNotFound, true
	case errors.Is(err, ErrDeliveryNotFound):
		return outcomeCodeDeliveryNotFound, true
	case errors.Is(err, ErrInsufficientCapacity):
		return outcomeCodeInsufficientCapacity, true
	case errors.Is(err, ErrInvalidTransition):
		return outcomeCodeInvalidTransition, true
	case errors.Is(err, ErrValidation):
		return outcomeCodeValidation, true
	default:
		return "", false
	}
}

func errorForOutcomeCode(code, detail string) error {
	var base error
	switch code {
	case outcomeCodeBookingNotFound:
		base = ErrBookingNotFound
	case outcomeCodeDeliveryNotFound:
		base = ErrDeliveryNotFound
	case outcomeCodeInsufficientCapacity:
		base = ErrInsufficientCapacity
	case outcomeCodeInvalidTransition:
		base = ErrInvalidTransition
	case outcomeCodeValidation:
		base = ErrValidation
	default:
		return fmt.Errorf("replayed failure: %s", detail)
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}
