package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSpoolSweepIngestsDroppedMutations(t *testing.T) {
	dir := t.TempDir()
	store := NewMemoryStore()
	triggered := 0
	watcher, err := NewSpoolWatcher(dir, store, func() { triggered++ }, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	create := `{"type":"create_delivery","payload":{"bookingId":"bk_1","customer":"Acme Minerals","tonnage":20,"containerCount":1,"driver":{"name":"T. Moyo","vehicleReg":"ABC123"}}}`
	checkpoint := `{"type":"append_checkpoint","entityRef":"trk_1","payload":{"location":"Mine gate","type":"loading"}}`
	if err := os.WriteFile(filepath.Join(dir, "01-create.json"), []byte(create), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "02-checkpoint.json"), []byte(checkpoint), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	watcher.sweep()

	pending, err := store.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 queued mutations, got %d", len(pending))
	}
	if triggered != 2 {
		t.Fatalf("expected a drain trigger per ingest, got %d", triggered)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("ingested files must be removed, found %d", len(entries))
	}
}

func TestSpoolSweepParksMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewMemoryStore()
	watcher, err := NewSpoolWatcher(dir, store, nil, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	watcher.sweep()

	if pending, _ := store.Pending(); len(pending) != 0 {
		t.Fatalf("malformed file must not enqueue")
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.json.rejected")); err != nil {
		t.Fatalf("malformed file must be parked as .rejected: %v", err)
	}
}
