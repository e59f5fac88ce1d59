package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/orehaul/haulsync/internal/haulage"
)

// spoolFile is the drop format field apps write into the spool directory.
// entityRef is required for checkpoints and may be a tracking id or a
// LocalRefPrefix-tagged local id.
type spoolFile struct {
	Type      MutationType    `json:"type"`
	EntityRef string          `json:"entityRef,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// SpoolWatcher ingests mutation files dropped into a directory and feeds
// them to the outbox. Files are removed on ingest and renamed to .rejected
// when malformed, so a bad drop never wedges the directory.
type SpoolWatcher struct {
	dir        string
	store      LocalStore
	onEnqueued func()
	logger     Logger
}

func NewSpoolWatcher(dir string, store LocalStore, onEnqueued func(), logger Logger) (*SpoolWatcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("spool directory is required")
	}
	if store == nil {
		return nil, errors.New("local store is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SpoolWatcher{dir: dir, store: store, onEnqueued: onEnqueued, logger: logger}, nil
}

// Run watches until ctx is done. Files already present at startup are
// ingested before the watch loop begins.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	w.sweep()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			w.ingest(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("spool watcher error: %v", err)
		}
	}
}

func (w *SpoolWatcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logf("scanning spool directory: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		w.ingest(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *SpoolWatcher) ingest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logf("reading spool file %s: %v", path, err)
		}
		return
	}
	if err := w.enqueue(data); err != nil {
		w.logf("rejecting spool file %s: %v", path, err)
		if renameErr := os.Rename(path, path+".rejected"); renameErr != nil {
			w.logf("parking rejected spool file %s: %v", path, renameErr)
		}
		return
	}
	if err := os.Remove(path); err != nil {
		w.logf("removing ingested spool file %s: %v", path, err)
	}
	if w.onEnqueued != nil {
		w.onEnqueued()
	}
}

func (w *SpoolWatcher) enqueue(data []byte) error {
	var file spoolFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("invalid spool json: %w", err)
	}
	switch file.Type {
	case MutationCreateDelivery:
		var in haulage.CreateDeliveryInput
		if err := json.Unmarshal(file.Payload, &in); err != nil {
			return fmt.Errorf("invalid create payload: %w", err)
		}
		_, err := w.store.EnqueueCreate(in)
		return err
	case MutationAppendCheckpoint:
		var in haulage.AppendCheckpointInput
		if err := json.Unmarshal(file.Payload, &in); err != nil {
			return fmt.Errorf("invalid checkpoint payload: %w", err)
		}
		_, err := w.store.EnqueueCheckpoint(file.EntityRef, in)
		return err
	default:
		return fmt.Errorf("unknown mutation type %q", file.Type)
	}
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

func (w *SpoolWatcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
