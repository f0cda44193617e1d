package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

var (
	errEmptyFile     = errors.New("file is empty")
	errChangedOnRead = errors.New("file changed while reading")
)

// Reload is delivered by a [Watcher] when the file changes to another valid
// configuration.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and publishes each valid change on
// [Watcher.Reloads]. Invalid edits are logged and skipped; the last valid
// config stays current. An empty file counts as invalid.
//
// A change is only read once the file's size and modification time have
// held still for a full poll interval, so a file caught mid-write is never
// loaded.
//
// Reloads are coalesced: if the receiver has not yet taken a pending reload
// when the file changes again, the pending one is replaced by a reload from
// its Old to the newest config, so a slow receiver only ever sees the net
// change.
type Watcher struct {
	path     string
	interval time.Duration

	reloads chan Reload
	stop    context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	// Owned by the poll goroutine.
	observed fileStamp // stat seen by the previous poll
	rejected fileStamp // stat of the last version that failed to load
}

// fileStamp identifies one version of the watched file.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func statStamp(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

// sameStat compares size and modification time, ignoring the content hash.
func (s fileStamp) sameStat(o fileStamp) bool {
	return s.size == o.size && s.mtime.Equal(o.mtime)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it until ctx ends or Stop is
// called. The initial load must succeed.
func NewWatcher(ctx context.Context, path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		reloads:  make(chan Reload, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.observed = cfg, stamp, stamp

	ctx, w.stop = context.WithCancel(ctx)
	go w.poll(ctx)
	return w, nil
}

// Reloads delivers configuration changes. It is closed once the watcher has
// stopped.
func (w *Watcher) Reloads() <-chan Reload { return w.reloads }

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for the poller to exit. Safe to call more than
// once.
func (w *Watcher) Stop() {
	w.stop()
	<-w.done
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.done)
	defer close(w.reloads)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r, ok := w.check(); ok {
				w.publish(r)
			}
		}
	}
}

// check reloads the file once a change has settled and returns the
// resulting change.
func (w *Watcher) check() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return Reload{}, false
	}
	seen := statStamp(info)
	last := w.observed
	w.observed = seen

	w.mu.Lock()
	prev := w.stamp
	w.mu.Unlock()
	switch {
	case seen.sameStat(prev):
		return Reload{}, false
	case !seen.sameStat(last):
		// Still being written, or changed since the last poll.
		return Reload{}, false
	case seen.sameStat(w.rejected):
		return Reload{}, false
	}

	cfg, stamp, err := w.read()
	if err != nil {
		w.rejected = seen
		slog.Warn("config watcher: ignoring invalid config", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamp = stamp
	if stamp.sum == prev.sum {
		// Touched without a content change.
		return Reload{}, false
	}
	old := w.current
	w.current = cfg
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	return Reload{Old: old, New: cfg, Diff: Diff(old, cfg)}, true
}

// publish hands r to the receiver, merging it with an unreceived reload.
func (w *Watcher) publish(r Reload) {
	select {
	case pending := <-w.reloads:
		r = Reload{Old: pending.Old, New: r.New, Diff: Diff(pending.Old, r.New)}
	default:
	}
	// The single slot is free: only this goroutine sends.
	w.reloads <- r
}

// read loads the file, rejecting it when empty or when it changed between
// the stat calls around the read.
func (w *Watcher) read() (*Config, fileStamp, error) {
	before, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	after, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := statStamp(after)
	if !stamp.sameStat(statStamp(before)) || int64(len(data)) != stamp.size {
		return nil, fileStamp{}, errChangedOnRead
	}
	if len(data) == 0 {
		return nil, fileStamp{}, errEmptyFile
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp.sum = sha256.Sum256(data)
	return cfg, stamp, nil
}
