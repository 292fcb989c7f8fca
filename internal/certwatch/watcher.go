// Package certwatch watches TLS certificate directories and raises an
// advisory ReloadSignal when certificate material changes. It detects
// changes only; nothing is reloaded.
package certwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultClearDelay = 5 * time.Second
	DefaultBufferSize = 100
)

// Config controls which directories are watched and how long the signal stays raised.
type Config struct {
	// Paths are certificate files; their parent directories are watched so
	// that atomic replace-by-rename is observed. The first path is the
	// certificate and its directory must be watchable; directories of the
	// remaining paths are watched when they exist.
	Paths      []string
	ClearDelay time.Duration
	BufferSize int
	Clock      clock.Clock
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithEventCounter counts events that reached the consumer.
func WithEventCounter(c prometheus.Counter) Option {
	return func(w *Watcher) {
		w.received = c
	}
}

// WithDropCounter counts events dropped because the buffer was full.
func WithDropCounter(c prometheus.Counter) Option {
	return func(w *Watcher) {
		w.dropped = c
	}
}

// Watcher bridges fsnotify callbacks into a bounded channel consumed by a
// single loop that owns the ReloadSignal.
type Watcher struct {
	dirs       []string
	clearDelay time.Duration
	clock      clock.Clock
	signal     *ReloadSignal
	logger     *zap.Logger
	events     chan Event

	received prometheus.Counter
	dropped  prometheus.Counter
}

// New constructs a Watcher. Nothing is watched until Run is called.
func New(cfg Config, signal *ReloadSignal, logger *zap.Logger, opts ...Option) *Watcher {
	if cfg.ClearDelay <= 0 {
		cfg.ClearDelay = DefaultClearDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	w := &Watcher{
		dirs:       watchDirs(cfg.Paths),
		clearDelay: cfg.ClearDelay,
		clock:      cfg.Clock,
		signal:     signal,
		logger:     logger,
		events:     make(chan Event, cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dirs returns the directories the watcher observes.
func (w *Watcher) Dirs() []string {
	return append([]string(nil), w.dirs...)
}

// Run watches the certificate directories until ctx is cancelled. Failing
// to watch the certificate directory is returned immediately; other
// directories that cannot be watched are skipped. Errors reported while
// watching are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create filesystem watcher: %w", err)
	}
	defer fw.Close()

	for i, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			if i == 0 {
				return fmt.Errorf("watch certificate directory %s: %w", dir, err)
			}
			w.logger.Warn("skipping unwatchable directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.logger.Info("watching certificate directory", zap.String("dir", dir))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.forward(ctx, fw.Events, fw.Errors)
	}()

	w.consume(ctx)
	<-done
	return nil
}

// forward classifies raw notifications and hands the relevant ones to the
// consumer without ever blocking the notification source.
func (w *Watcher) forward(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			kind := classify(ev)
			if kind == KindIgnored {
				w.logger.Debug("ignoring certificate directory event", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
				continue
			}
			w.offer(Event{Path: ev.Name, Kind: kind})
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Error("certificate watch error", zap.Error(err))
		}
	}
}

// offer performs a non-blocking send; a full buffer drops the event.
func (w *Watcher) offer(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	default:
		w.logger.Error("certificate event buffer full, dropping event",
			zap.String("path", ev.Path),
			zap.Stringer("kind", ev.Kind),
		)
		if w.dropped != nil {
			w.dropped.Inc()
		}
		return false
	}
}

// consume raises the signal on the first event of a batch and clears it
// once clearDelay has elapsed. Events arriving while the signal is raised
// join the current batch.
func (w *Watcher) consume(ctx context.Context) {
	var clearAt <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			if w.received != nil {
				w.received.Inc()
			}
			w.logger.Info("certificate file changed", zap.String("path", ev.Path), zap.Stringer("kind", ev.Kind))
			if clearAt != nil {
				continue
			}
			w.signal.set(true)
			w.logger.Info("certificate reload triggered")
			w.logger.Warn("manual restart may be required for full certificate rotation")
			clearAt = w.clock.After(w.clearDelay)
		case <-clearAt:
			w.signal.set(false)
			clearAt = nil
			w.logger.Info("certificate reload signal cleared")
		}
	}
}

func watchDirs(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	dirs := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}
