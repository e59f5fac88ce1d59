package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/orehaul/haulsync/internal/haulage"
)

// RemoteAPI is the server surface the syncer drains against.
type RemoteAPI interface {
	CreateDelivery(ctx context.Context, idemKey string, in haulage.CreateDeliveryInput) (haulage.CreateDeliveryResult, error)
	AppendCheckpoint(ctx context.Context, trackingID, idemKey string, in haulage.AppendCheckpointInput) (haulage.AppendCheckpointResult, error)
	ListDeliveries(ctx context.Context) ([]haulage.Delivery, error)
	ListBookings(ctx context.Context) ([]haulage.ParentBooking, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

// SyncReport summarizes one drain pass. Coalesced means a drain was already
// running and this call only scheduled a follow-up pass.
type SyncReport struct {
	Confirmed int
	Deferred  int
	Failed    int
	Warnings  []string
	Coalesced bool
}

// Syncer pushes the outbox to the server in enqueue order. It is
// non-reentrant: concurrent triggers coalesce into at most one extra pass
// after the running one finishes.
type Syncer struct {
	store    LocalStore
	client   RemoteAPI
	logger   Logger
	draining atomic.Bool
	rerun    atomic.Bool
}

func NewSyncer(store LocalStore, client RemoteAPI, logger Logger) (*Syncer, error) {
	if store == nil {
		return nil, errors.New("local store is required")
	}
	if client == nil {
		return nil, errors.New("remote client is required")
	}
	return &Syncer{store: store, client: client, logger: logger}, nil
}

func (s *Syncer) Drain(ctx context.Context) (SyncReport, error) {
	if !s.draining.CompareAndSwap(false, true) {
		s.rerun.Store(true)
		return SyncReport{Coalesced: true}, nil
	}
	defer s.draining.Store(false)

	report, err := s.drainOnce(ctx)
	for err == nil && s.rerun.CompareAndSwap(true, false) {
		var next SyncReport
		next, err = s.drainOnce(ctx)
		report.Confirmed += next.Confirmed
		report.Deferred = next.Deferred
		report.Failed += next.Failed
		report.Warnings = append(report.Warnings, next.Warnings...)
	}
	return report, err
}

func (s *Syncer) drainOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	pending, err := s.store.Pending()
	if err != nil {
		return report, err
	}

	// resolved maps create local ids confirmed this pass to their server
	// tracking ids; the stored entries were rewritten too, but the slice we
	// iterate is a snapshot from before.
	resolved := map[string]string{}
	blockedRefs := map[string]struct{}{}

	// Seed the rejection cascade from the parked set, not just this pass:
	// a checkpoint enqueued after its parent create was rejected must fail
	// too, or it would defer on every drain with no way to surface.
	parked, err := s.store.Failed()
	if err != nil {
		return report, err
	}
	failedCreates := map[string]string{}
	for _, entry := range parked {
		if entry.Type == MutationCreateDelivery {
			failedCreates[entry.LocalID] = "parent creation was rejected: " + entry.FailureReason
		}
	}

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch entry.Type {
		case MutationCreateDelivery:
			s.drainCreate(ctx, entry, &report, resolved, failedCreates, blockedRefs)
		case MutationAppendCheckpoint:
			s.drainCheckpoint(ctx, entry, &report, resolved, failedCreates, blockedRefs)
		default:
			s.markFailed(entry.LocalID, fmt.Sprintf("unknown mutation type %q", entry.Type))
			report.Failed++
		}
	}

	if report.Confirmed > 0 {
		s.refreshCaches(ctx)
	}
	return report, nil
}

func (s *Syncer) drainCreate(
	ctx context.Context,
	entry OutboxEntry,
	report *SyncReport,
	resolved map[string]string,
	failedCreates map[string]string,
	blockedRefs map[string]struct{},
) {
	var in haulage.CreateDeliveryInput
	if err := json.Unmarshal(entry.Payload, &in); err != nil {
		s.markFailed(entry.LocalID, "undecodable payload: "+err.Error())
		failedCreates[entry.LocalID] = "parent creation had an undecodable payload"
		report.Failed++
		return
	}

	result, err := s.client.CreateDelivery(ctx, entry.LocalID, in)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsTerminal() {
			s.markFailed(entry.LocalID, apiErr.Error())
			failedCreates[entry.LocalID] = "parent creation was rejected: " + apiErr.Error()
			report.Failed++
			return
		}
		// Transient: keep the entry, block anything referencing it, and
		// move on so unrelated entities still drain.
		s.logf("deferring create %s: %v", entry.LocalID, err)
		blockedRefs[LocalRefPrefix+entry.LocalID] = struct{}{}
		report.Deferred++
		return
	}

	trackingID := result.Delivery.TrackingID
	if err := s.store.ResolveReference(entry.LocalID, trackingID); err != nil {
		s.logf("resolving references for %s failed: %v", entry.LocalID, err)
	}
	resolved[entry.LocalID] = trackingID
	if err := s.store.PutDelivery(result.Delivery); err != nil {
		s.logf("caching delivery %s failed: %v", trackingID, err)
	}
	if err := s.store.Ack(entry.LocalID); err != nil {
		s.logf("acking create %s failed: %v", entry.LocalID, err)
	}
	if result.Notification.Warned() {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("delivery %s created but notification failed: %s", trackingID, result.Notification.Reason))
	}
	report.Confirmed++
}

func (s *Syncer) drainCheckpoint(
	ctx context.Context,
	entry OutboxEntry,
	report *SyncReport,
	resolved map[string]string,
	failedCreates map[string]string,
	blockedRefs map[string]struct{},
) {
	ref := entry.EntityRef
	if entry.IsLocalRef() {
		localRef := entry.LocalRef()
		if reason, dead := failedCreates[localRef]; dead {
			s.markFailed(entry.LocalID, reason)
			report.Failed++
			return
		}
		if _, blocked := blockedRefs[entry.EntityRef]; blocked {
			report.Deferred++
			return
		}
		trackingID, ok := resolved[localRef]
		if !ok {
			// Creates precede their checkpoints in the queue, so an
			// unresolved ref here means the create never confirmed.
			report.Deferred++
			return
		}
		ref = trackingID
	}
	if _, blocked := blockedRefs[ref]; blocked {
		report.Deferred++
		return
	}

	var in haulage.AppendCheckpointInput
	if err := json.Unmarshal(entry.Payload, &in); err != nil {
		s.markFailed(entry.LocalID, "undecodable payload: "+err.Error())
		report.Failed++
		return
	}

	result, err := s.client.AppendCheckpoint(ctx, ref, entry.LocalID, in)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsTerminal() {
			s.markFailed(entry.LocalID, apiErr.Error())
			report.Failed++
			return
		}
		// Later checkpoints on the same delivery must wait, or they would
		// land out of order.
		s.logf("deferring checkpoint %s for %s: %v", entry.LocalID, ref, err)
		blockedRefs[ref] = struct{}{}
		report.Deferred++
		return
	}

	if err := s.store.PutDelivery(result.Delivery); err != nil {
		s.logf("caching delivery %s failed: %v", result.Delivery.TrackingID, err)
	}
	if err := s.store.Ack(entry.LocalID); err != nil {
		s.logf("acking checkpoint %s failed: %v", entry.LocalID, err)
	}
	if result.Notification.Warned() {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("checkpoint on %s committed but notification failed: %s", ref, result.Notification.Reason))
	}
	report.Confirmed++
}

// refreshCaches pulls the server view after a drain that changed anything.
// Best effort; a stale cache self-heals on the next pass.
func (s *Syncer) refreshCaches(ctx context.Context) {
	deliveries, err := s.client.ListDeliveries(ctx)
	if err != nil {
		s.logf("refreshing delivery cache failed: %v", err)
	} else {
		for _, d := range deliveries {
			if err := s.store.PutDelivery(d); err != nil {
				s.logf("caching delivery %s failed: %v", d.TrackingID, err)
				break
			}
		}
	}
	bookings, err := s.client.ListBookings(ctx)
	if err != nil {
		s.logf("refreshing booking cache failed: %v", err)
		return
	}
	for _, b := range bookings {
		if err := s.store.PutBooking(b); err != nil {
			s.logf("caching booking %s failed: %v", b.ID, err)
			return
		}
	}
}

func (s *Syncer) markFailed(localID, reason string) {
	if err := s.store.MarkFailed(localID, reason); err != nil {
		s.logf("marking %s failed: %v", localID, err)
	}
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
