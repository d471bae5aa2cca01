package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// sweep registers audio files that were already in the input directory before
// the watcher started.
func (o *Orchestrator) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(o.opts.InputDir)
	if err != nil {
		return fmt.Errorf("read input dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := o.HandleFile(ctx, filepath.Join(o.opts.InputDir, e.Name())); err != nil {
			o.log.WithError(err).WithField("file", e.Name()).Warn("failed to register existing file")
		}
	}
	return nil
}

// watch reacts to file-system notifications on the input directory. Event
// handling never blocks on pipeline execution: registration runs in its own
// goroutine and only enqueues work.
func (o *Orchestrator) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(o.opts.InputDir); err != nil {
		return fmt.Errorf("watch input dir: %w", err)
	}
	o.log.WithField("dir", o.opts.InputDir).Info("watching input directory")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			path := event.Name
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if !waitForStable(ctx, path) {
					return
				}
				if err := o.HandleFile(ctx, path); err != nil {
					o.log.WithError(err).WithField("path", path).Error("failed to register input file")
				}
			}()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			o.log.WithError(err).Warn("watcher error")
		}
	}
}

// waitForStable waits until the file size stops changing, so half-copied
// uploads are not hashed mid-write. Returns false if the file disappears or
// the context ends first.
func waitForStable(ctx context.Context, path string) bool {
	var lastSize int64 = -1
	for i := 0; i < 40; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() == lastSize && info.Size() > 0 {
			return true
		}
		lastSize = info.Size()
	}
	return true
}
