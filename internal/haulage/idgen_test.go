package haulage

import (
	"strings"
	"testing"
)

func TestGeneratedIdentifierShapes(t *testing.T) {
	ids := NewIDGenerator()

	tracking := ids.TrackingID()
	if !strings.HasPrefix(tracking, "trk_") || strings.Contains(tracking, "-") {
		t.Fatalf("unexpected tracking id %q", tracking)
	}
	ref := ids.BookingReference()
	if !strings.HasPrefix(ref, "HB-") || len(ref) != 11 {
		t.Fatalf("unexpected booking reference %q", ref)
	}
	if ref != strings.ToUpper(ref) {
		t.Fatalf("booking reference must be uppercase, got %q", ref)
	}
	if !strings.HasPrefix(ids.BookingID(), "bk_") {
		t.Fatalf("unexpected booking id %q", ids.BookingID())
	}
	if !strings.HasPrefix(ids.AllocationID(), "alc_") {
		t.Fatalf("unexpected allocation id %q", ids.AllocationID())
	}
}

func TestTrackingIDsDiffer(t *testing.T) {
	ids := NewIDGenerator()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := ids.TrackingID()
		if seen[id] {
			t.Fatalf("duplicate tracking id %q", id)
		}
		seen[id] = true
	}
}

func TestInjectedSourceIsUsed(t *testing.T) {
	ids := NewIDGeneratorWithSource(func() string { return "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee" })
	if got := ids.TrackingID(); got != "trk_aaaaaaaabbbbccccddddeeeeeeeeeeee" {
		t.Fatalf("unexpected tracking id %q", got)
	}
}
