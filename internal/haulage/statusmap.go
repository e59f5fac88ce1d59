package haulage

// checkpointStatus is the policy table mapping a checkpoint type to the
// delivery status it commits. Callers never hard-code this mapping.
var checkpointStatus = map[CheckpointType]Status{
	CheckpointLoading:      StatusInTransit,
	CheckpointDeparture:    StatusInTransit,
	CheckpointWaypoint:     StatusInTransit,
	CheckpointArrival:      StatusInTransit,
	CheckpointHandover:     StatusDelivered,
	CheckpointCancellation: StatusCancelled,
}

// StatusForCheckpoint resolves the status a checkpoint of the given type
// drives the delivery into. ok is false for unknown checkpoint types.
func StatusForCheckpoint(ct CheckpointType) (Status, bool) {
	st, ok := checkpointStatus[ct]
	return st, ok
}

// IsTerminal reports whether a delivery in this status accepts no further
// checkpoints.
func IsTerminal(st Status) bool {
	return st == StatusDelivered || st == StatusCancelled
}
