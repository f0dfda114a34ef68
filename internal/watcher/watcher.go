// Package watcher detects file arrivals in the watched incoming
// directories. Delivery is at-least-once per physical file; duplicates are
// absorbed downstream by the ledger, not prevented here.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/retailops/pos-ingest/internal/models"
)

// recognizedExtensions are the only inputs the pipeline accepts. Anything
// else is ignored outright, not routed to rejected.
var recognizedExtensions = map[string]bool{
	".txt": true,
	".tsv": true,
	".csv": true,
}

const readyPollInterval = 500 * time.Millisecond

// Watcher emits one FileEvent per detected file on its Events channel, from
// an initial backlog sweep and then live filesystem notifications.
type Watcher struct {
	dirs         map[string]string // format -> incoming directory
	events       chan models.FileEvent
	readyTimeout time.Duration
}

func New(dirs map[string]string, queueSize int, readyTimeout time.Duration) *Watcher {
	return &Watcher{
		dirs:         dirs,
		events:       make(chan models.FileEvent, queueSize),
		readyTimeout: readyTimeout,
	}
}

// Events is the single inbound queue consumed by the worker pool. It is
// closed when Run returns.
func (w *Watcher) Events() <-chan models.FileEvent {
	return w.events
}

// Run sweeps the backlog of every watched directory and then, in live mode,
// keeps emitting events for new arrivals until the context is cancelled.
// Files already present at startup are never silently skipped.
func (w *Watcher) Run(ctx context.Context, live bool) error {
	defer close(w.events)

	if err := w.sweep(ctx); err != nil {
		return err
	}
	if !live {
		return nil
	}
	return w.watch(ctx)
}

func (w *Watcher) sweep(ctx context.Context) error {
	for format, dir := range w.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read watched directory %s: %w", dir, err)
		}

		type backlogFile struct {
			path    string
			modTime time.Time
		}
		var backlog []backlogFile

		for _, entry := range entries {
			if entry.IsDir() || !recognizedExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			backlog = append(backlog, backlogFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
		}

		// Best-effort chronological order within one directory.
		sort.Slice(backlog, func(i, j int) bool { return backlog[i].modTime.Before(backlog[j].modTime) })

		log.Printf("Backlog sweep found %d files in %s", len(backlog), dir)
		for _, f := range backlog {
			if err := w.emit(ctx, format, f.path, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	defer fsw.Close()

	dirToFormat := make(map[string]string, len(w.dirs))
	for format, dir := range w.dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve watched directory %s: %w", dir, err)
		}
		if err := fsw.Add(abs); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", abs, err)
		}
		dirToFormat[abs] = format
		log.Printf("Watching: %s", abs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !recognizedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			format, ok := dirToFormat[filepath.Dir(event.Name)]
			if !ok {
				continue
			}
			if err := w.emit(ctx, format, event.Name, true); err != nil {
				return err
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("WARN: filesystem watcher error: %v", err)
		}
	}
}

func (w *Watcher) emit(ctx context.Context, format, path string, live bool) error {
	event := models.FileEvent{
		Path:       path,
		Format:     format,
		DetectedAt: time.Now(),
		Live:       live,
	}

	if err := w.waitForReady(ctx, path); err != nil {
		// Surface the failure instead of dropping the file; the next sweep
		// will pick it up again.
		event.Err = models.NewFileError(models.ErrTransientReadiness, path, "file not readable within timeout", err)
	}

	select {
	case w.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForReady polls until the file can be opened for reading, bounded by
// the configured timeout. Writers that hold the file exclusively (SMB drops,
// slow copies) release it within a few polls in practice.
func (w *Watcher) waitForReady(ctx context.Context, path string) error {
	deadline := time.Now().Add(w.readyTimeout)
	for {
		file, err := os.Open(path)
		if err == nil {
			file.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("file not ready after %s: %w", w.readyTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}
