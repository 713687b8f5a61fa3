package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/leadsignal/harvester/internal/harvest"
)

// Watcher reloads a target file when it changes and feeds any targets into
// the queue. The queue's own dedupe makes repeated loads harmless.
type Watcher struct {
	path     string
	queue    harvest.Queue
	logger   *zap.Logger
	debounce time.Duration
}

// NewWatcher builds a Watcher over one target file.
func NewWatcher(path string, queue harvest.Queue, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		queue:    queue,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

// Run loads the file once, then blocks reloading it on every write until the
// context ends. Editors that replace the file on save are handled by
// watching the directory rather than the file itself.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.load(ctx); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce the burst of events a single save produces.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("target file watcher error", zap.Error(err))
		case <-reload:
			if err := w.load(ctx); err != nil {
				if errors.Is(err, harvest.ErrQueueClosed) || errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("reload target file", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) load(ctx context.Context) error {
	targets, err := Load(w.path)
	if err != nil {
		return err
	}
	enqueued := 0
	for _, target := range targets {
		if err := w.queue.Enqueue(ctx, target); err != nil {
			return err
		}
		enqueued++
	}
	w.logger.Info("target file loaded",
		zap.String("path", w.path),
		zap.Int("targets", enqueued))
	return nil
}
