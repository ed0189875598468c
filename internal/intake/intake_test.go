package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chittyos/chittysync/internal/chittysync"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	ops  []chittysync.Operation
	errs map[string]error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{errs: map[string]error{}}
}

func (s *fakeSubmitter) Submit(ctx context.Context, op chittysync.Operation) (chittysync.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	if err, ok := s.errs[op.ID]; ok {
		return chittysync.Ack{}, err
	}
	return chittysync.Ack{Key: op.IdempotencyKey(), Applied: true}, nil
}

func (s *fakeSubmitter) submissions() []chittysync.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chittysync.Operation(nil), s.ops...)
}

func spoolOperation(t *testing.T, dir, name string, op chittysync.Operation) {
	t.Helper()
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatalf("write spool file: %v", err)
	}
}

func entityOperation(id string) chittysync.Operation {
	return chittysync.Operation{
		ID:        id,
		Kind:      chittysync.Kind{Verb: chittysync.VerbCreate, Record: chittysync.RecordEntity},
		Payload:   map[string]any{"name": "Acme"},
		SessionID: "s1",
	}
}

func startedWatcher(t *testing.T, submitter Submitter, dir string) *Watcher {
	t.Helper()
	watcher, err := NewWatcher(submitter, Options{Dir: dir, RescanInterval: time.Hour})
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(watcher.Stop)
	return watcher
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			n++
		}
	}
	return n
}

func TestWatcherSweepsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	spoolOperation(t, dir, "op-1.json", entityOperation("op_1"))
	spoolOperation(t, dir, "op-2.json", entityOperation("op_2"))

	submitter := newFakeSubmitter()
	watcher := startedWatcher(t, submitter, dir)

	if got := len(submitter.submissions()); got != 2 {
		t.Fatalf("expected 2 submissions, got %d", got)
	}
	if countFiles(t, dir) != 0 {
		t.Fatal("spool files should be archived after processing")
	}
	if countFiles(t, filepath.Join(dir, "done")) != 2 {
		t.Fatal("processed files should land in done/")
	}
	accepted, rejected := watcher.Processed()
	if accepted != 2 || rejected != 0 {
		t.Fatalf("counts: accepted=%d rejected=%d", accepted, rejected)
	}
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	submitter := newFakeSubmitter()
	startedWatcher(t, submitter, dir)

	spoolOperation(t, dir, "late.json", entityOperation("op_late"))

	deadline := time.Now().Add(3 * time.Second)
	for len(submitter.submissions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never picked up the new file")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if submitter.submissions()[0].ID != "op_late" {
		t.Fatalf("unexpected submission: %+v", submitter.submissions()[0])
	}
}

func TestWatcherArchivesMalformedFilesAsFailed(t *testing.T) {
	dir := t.TempDir()
	submitter := newFakeSubmitter()
	watcher := startedWatcher(t, submitter, dir)

	if err := os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Not an operation file at all; must be ignored entirely.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	watcher.Sweep(context.Background())

	if len(submitter.submissions()) != 0 {
		t.Fatal("malformed files must not reach the coordinator")
	}
	if countFiles(t, filepath.Join(dir, "failed")) != 1 {
		t.Fatal("malformed file should land in failed/")
	}
	if countFiles(t, dir) != 1 {
		t.Fatal("non-json files stay in place")
	}
}

func TestWatcherTreatsQueuedSubmissionsAsConsumed(t *testing.T) {
	dir := t.TempDir()
	submitter := newFakeSubmitter()
	op := entityOperation("op_queued")
	submitter.errs[op.ID] = &chittysync.SyncError{
		Kind:   chittysync.FailureUpstream,
		Key:    op.IdempotencyKey(),
		Queued: true,
		Err:    fmt.Errorf("gateway down"),
	}
	watcher := startedWatcher(t, submitter, dir)

	spoolOperation(t, dir, "queued.json", op)
	watcher.Sweep(context.Background())

	if countFiles(t, filepath.Join(dir, "done")) != 1 {
		t.Fatal("queued operations are owned by the dead letter queue; the file is done")
	}
}

func TestWatcherLeavesFileWhenAdmissionTimesOut(t *testing.T) {
	dir := t.TempDir()
	submitter := newFakeSubmitter()
	op := entityOperation("op_slow")
	submitter.errs[op.ID] = fmt.Errorf("%w: context deadline exceeded", chittysync.ErrSubmitTimeout)
	watcher := startedWatcher(t, submitter, dir)

	spoolOperation(t, dir, "slow.json", op)
	watcher.Sweep(context.Background())

	if countFiles(t, dir) != 1 {
		t.Fatal("an unadmitted operation should stay spooled for the next sweep")
	}

	// Once admission succeeds the file is consumed.
	delete(submitter.errs, op.ID)
	watcher.Sweep(context.Background())
	if countFiles(t, dir) != 0 {
		t.Fatal("retried file should be consumed")
	}
}

func TestWatcherRejectsPermanentFailures(t *testing.T) {
	dir := t.TempDir()
	submitter := newFakeSubmitter()
	op := entityOperation("op_bad")
	submitter.errs[op.ID] = &chittysync.SyncError{
		Kind:      chittysync.FailureValidation,
		Queued:    true,
		Permanent: true,
		Err:       errors.New("missing name"),
	}
	watcher := startedWatcher(t, submitter, dir)

	spoolOperation(t, dir, "bad.json", op)
	watcher.Sweep(context.Background())

	if countFiles(t, filepath.Join(dir, "failed")) != 1 {
		t.Fatal("permanent failures should land in failed/")
	}
	_, rejected := watcher.Processed()
	if rejected != 1 {
		t.Fatalf("expected one rejection, got %d", rejected)
	}
}
