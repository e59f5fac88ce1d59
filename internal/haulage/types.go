package haulage

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

type CheckpointType string

const (
	CheckpointLoading      CheckpointType = "loading"
	CheckpointDeparture    CheckpointType = "departure"
	CheckpointWaypoint     CheckpointType = "waypoint"
	CheckpointArrival      CheckpointType = "arrival"
	CheckpointHandover     CheckpointType = "handover"
	CheckpointCancellation CheckpointType = "cancellation"
)

// ParentBooking carries a finite tonnage allotment that deliveries draw down.
// RemainingTonnage is mutated only through Store.Reserve and Store.Release.
type ParentBooking struct {
	ID               string    `json:"id"`
	Customer         string    `json:"customer"`
	CustomerPhone    string    `json:"customerPhone,omitempty"`
	Mineral          string    `json:"mineral"`
	TotalTonnage     float64   `json:"totalTonnage"`
	RemainingTonnage float64   `json:"remainingTonnage"`
	LoadingPoint     string    `json:"loadingPoint,omitempty"`
	Deadline         time.Time `json:"deadline,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type DriverDetails struct {
	Name        string `json:"name"`
	Phone       string `json:"phone,omitempty"`
	VehicleReg  string `json:"vehicleReg"`
	TrailerReg  string `json:"trailerReg,omitempty"`
	TransportCo string `json:"transportCo,omitempty"`
}

// Checkpoint is one immutable entry in a delivery's append-only log.
// Timestamp is server-assigned at append time.
type Checkpoint struct {
	Seq        int            `json:"seq"`
	Location   string         `json:"location"`
	Type       CheckpointType `json:"type"`
	Status     Status         `json:"status"`
	OperatorID string         `json:"operatorId,omitempty"`
	Note       string         `json:"note,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type Delivery struct {
	TrackingID       string        `json:"trackingId"`
	BookingReference string        `json:"bookingReference"`
	ParentBookingID  string        `json:"parentBookingId"`
	AllocationID     string        `json:"allocationId,omitempty"`
	Customer         string        `json:"customer"`
	CustomerPhone    string        `json:"customerPhone,omitempty"`
	Tonnage          float64       `json:"tonnage"`
	ContainerCount   int           `json:"containerCount"`
	Status           Status        `json:"status"`
	Driver           DriverDetails `json:"driver"`
	Checkpoints      []Checkpoint  `json:"checkpoints"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Allocation records one committed tonnage reservation against a booking.
// Released allocations return their tonnage to the booking exactly once.
type Allocation struct {
	ID        string    `json:"id"`
	BookingID string    `json:"bookingId"`
	Tonnage   float64   `json:"tonnage"`
	Released  bool      `json:"released"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateDeliveryInput struct {
	BookingID      string        `json:"bookingId"`
	Customer       string        `json:"customer"`
	CustomerPhone  string        `json:"customerPhone"`
	Tonnage        float64       `json:"tonnage"`
	ContainerCount int           `json:"containerCount"`
	Driver         DriverDetails `json:"driver"`
}

type AppendCheckpointInput struct {
	TrackingID string         `json:"trackingId"`
	Location   string         `json:"location"`
	Type       CheckpointType `json:"type"`
	Note       string         `json:"note,omitempty"`
	OperatorID string         `json:"operatorId,omitempty"`
}

type CreateBookingInput struct {
	Customer      string    `json:"customer"`
	CustomerPhone string    `json:"customerPhone,omitempty"`
	Mineral       string    `json:"mineral"`
	TotalTonnage  float64   `json:"totalTonnage"`
	LoadingPoint  string    `json:"loadingPoint,omitempty"`
	Deadline      time.Time `json:"deadline,omitempty"`
}

// NotificationResult reports the side-channel outcome of a committed
// transition. A failed dispatch downgrades to a warning on an otherwise
// successful result.
type NotificationResult struct {
	Attempted bool   `json:"attempted"`
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

func (n NotificationResult) Warned() bool {
	return n.Attempted && !n.Delivered
}

type CreateDeliveryResult struct {
	Delivery     Delivery           `json:"delivery"`
	Notification NotificationResult `json:"notification"`
	Replayed     bool               `json:"replayed,omitempty"`
}

type AppendCheckpointResult struct {
	Delivery     Delivery           `json:"delivery"`
	Checkpoint   Checkpoint         `json:"checkpoint"`
	Notification NotificationResult `json:"notification"`
	Replayed     bool               `json:"replayed,omitempty"`
}

// IdempotencyRecord maps a client-generated local id to the committed
// outcome of the mutation it tagged.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	InProgress  bool
	Body        json.RawMessage
	CreatedAt   time.Time
}
