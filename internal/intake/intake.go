// Package intake feeds operations dropped into a spool directory through the
// sync pipeline. Sibling services that cannot speak the HTTP API write one
// JSON operation per file; processed files move to done/ or failed/.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chittyos/chittysync/internal/chittysync"
)

// Submitter is the slice of the coordinator the watcher needs.
type Submitter interface {
	Submit(ctx context.Context, op chittysync.Operation) (chittysync.Ack, error)
}

type Options struct {
	Dir            string
	RescanInterval time.Duration
	Logger         *slog.Logger
}

// Watcher monitors a spool directory for operation files. A periodic rescan
// backs up the filesystem notifications, so a missed event only delays a
// file, never loses it.
type Watcher struct {
	dir       string
	doneDir   string
	failedDir string
	interval  time.Duration
	submitter Submitter
	logger    *slog.Logger

	fsWatcher *fsnotify.Watcher

	mu        sync.Mutex
	inFlight  map[string]struct{}
	processed uint64
	rejected  uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWatcher(submitter Submitter, opts Options) (*Watcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: intake directory is required", chittysync.ErrInvalidInput)
	}
	if submitter == nil {
		return nil, fmt.Errorf("%w: intake submitter is required", chittysync.ErrInvalidInput)
	}
	interval := opts.RescanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:       dir,
		doneDir:   filepath.Join(dir, "done"),
		failedDir: filepath.Join(dir, "failed"),
		interval:  interval,
		submitter: submitter,
		logger:    logger,
		inFlight:  map[string]struct{}{},
		done:      make(chan struct{}),
	}, nil
}

// Start creates the spool layout, sweeps files already present, and begins
// watching for new ones.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range []string{w.dir, w.doneDir, w.failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create spool directory: %w", err)
		}
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start intake watcher: %w", err)
	}
	if err := fsWatcher.Add(w.dir); err != nil {
		fsWatcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsWatcher = fsWatcher

	w.Sweep(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

func (w *Watcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.fsWatcher != nil {
			_ = w.fsWatcher.Close()
		}
		w.wg.Wait()
	})
}

// Processed returns how many files were accepted and rejected so far.
func (w *Watcher) Processed() (accepted, rejected uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.rejected
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename) {
				w.processFile(ctx, event.Name)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("intake watch error", "dir", w.dir, "error", err)
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep processes every spool file currently on disk, oldest name first.
func (w *Watcher) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("intake sweep failed", "dir", w.dir, "error", err)
		return 0
	}
	handled := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if w.processFile(ctx, filepath.Join(w.dir, entry.Name())) {
			handled++
		}
	}
	return handled
}

// processFile submits one spool file and archives it. Returns whether the
// file was consumed.
func (w *Watcher) processFile(ctx context.Context, path string) bool {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return false
	}
	name := filepath.Base(path)
	if !w.claim(name) {
		return false
	}
	defer w.release(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("intake read failed", "file", name, "error", err)
		}
		return false
	}

	var op chittysync.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		w.logger.Warn("intake rejected malformed file", "file", name, "error", err)
		w.archive(path, w.failedDir)
		w.count(false)
		return true
	}

	_, err = w.submitter.Submit(ctx, op)
	if err == nil {
		w.archive(path, w.doneDir)
		w.count(true)
		return true
	}

	var syncErr *chittysync.SyncError
	if errors.As(err, &syncErr) && syncErr.Queued && !syncErr.Permanent {
		// Parked in the dead letter queue; the coordinator owns the retry
		// from here, so the file is consumed.
		w.logger.Info("intake operation queued for retry",
			"file", name,
			"key", syncErr.Key,
			"kind", string(syncErr.Kind))
		w.archive(path, w.doneDir)
		w.count(true)
		return true
	}
	if errors.Is(err, chittysync.ErrSubmitTimeout) {
		// Never admitted; leave the file for the next sweep.
		w.logger.Warn("intake admission timed out", "file", name)
		return false
	}

	w.logger.Warn("intake rejected operation", "file", name, "error", err)
	w.archive(path, w.failedDir)
	w.count(false)
	return true
}

func (w *Watcher) archive(path, destDir string) {
	dest := filepath.Join(destDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("intake archive failed", "file", filepath.Base(path), "error", err)
	}
}

func (w *Watcher) claim(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[name]; busy {
		return false
	}
	w.inFlight[name] = struct{}{}
	return true
}

func (w *Watcher) release(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, name)
}

func (w *Watcher) count(accepted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if accepted {
		w.processed++
	} else {
		w.rejected++
	}
}
