package haulage

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy bounds regeneration attempts when a generated identifier
// collides with a committed one.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// IDGenerator produces tracking ids and booking references. The id space is
// large enough that collisions are negligible but not impossible; callers
// retry under a RetryPolicy and surface ErrIDExhausted past the bound.
type IDGenerator struct {
	newUUID func() string
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{newUUID: uuid.NewString}
}

// NewIDGeneratorWithSource injects the uuid source. Tests use it to force
// collisions deterministically.
func NewIDGeneratorWithSource(source func() string) *IDGenerator {
	if source == nil {
		source = uuid.NewString
	}
	return &IDGenerator{newUUID: source}
}

// TrackingID returns a globally unique delivery identifier.
func (g *IDGenerator) TrackingID() string {
	return "trk_" + strings.ReplaceAll(g.newUUID(), "-", "")
}

// BookingReference returns the human-facing reference printed on haulage
// paperwork. It is unique per creation attempt, not globally.
func (g *IDGenerator) BookingReference() string {
	compact := strings.ToUpper(strings.ReplaceAll(g.newUUID(), "-", ""))
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return "HB-" + compact
}

// BookingID returns an identifier for a parent booking created via intake.
func (g *IDGenerator) BookingID() string {
	return "bk_" + strings.ReplaceAll(g.newUUID(), "-", "")
}

// AllocationID returns an identifier for a committed tonnage reservation.
func (g *IDGenerator) AllocationID() string {
	return "alc_" + strings.ReplaceAll(g.newUUID(), "-", "")
}
