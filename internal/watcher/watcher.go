package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 64
	defaultDebounceTimeout = 500 * time.Millisecond
)

type Option func(*Watcher)

// WithDebounce sets how long the directory must be quiet before a change is
// reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithIgnore skips events whose slash separated path, relative to the
// watched directory, matches one of the doublestar patterns.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) { w.ignore = append(w.ignore, patterns...) }
}

// Source streams slash separated paths of changed entries. The channel is
// closed when the source ends or ctx is done.
type Source func(ctx context.Context) (<-chan string, error)

// Watcher turns bursts of change events into single change signals. It does
// not say what changed; the delta does that.
type Watcher struct {
	dir      string
	source   Source
	debounce time.Duration
	ignore   []string

	rawEvents chan notify.EventInfo
	changes   chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer
}

// New watches the directory tree under dir.
func New(dir string, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		debounce: defaultDebounceTimeout,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewFromSource watches the paths src reports instead of a local directory.
func NewFromSource(src Source, opts ...Option) *Watcher {
	w := New("", opts...)
	w.source = src
	return w
}

func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	if w.source != nil {
		paths, err := w.source(ctx)
		if err != nil {
			w.cancel()
			return err
		}
		w.wg.Add(1)
		go w.filterPaths(ctx, paths)
		return nil
	}

	// notify reports resolved paths, e.g. /private/var on macOS
	if dir, err := filepath.EvalSymlinks(w.dir); err == nil {
		w.dir = dir
	}

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(filepath.Join(w.dir, "..."), w.rawEvents, notify.All); err != nil {
		w.cancel()
		return err
	}
	slog.Debug("watcher start", "dir", w.dir)

	w.wg.Add(1)
	go w.filterEvents(ctx)
	return nil
}

func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)

	if w.cancel != nil {
		w.cancel()
	}
	if w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
	slog.Debug("watcher stopped", "dir", w.dir)
}

// Changes delivers at most one pending signal; further changes before it is
// read are merged into it.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) filterEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.rawEvents:
			if !ok {
				return
			}
			rel, err := filepath.Rel(w.dir, ev.Path())
			if err != nil || w.ignored(filepath.ToSlash(rel)) {
				continue
			}
			w.arm()
		}
	}
}

func (w *Watcher) filterPaths(ctx context.Context, paths <-chan string) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case p, ok := <-paths:
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("watcher source closed")
				}
				return
			}
			if w.ignored(p) {
				continue
			}
			w.arm()
		}
	}
}

func (w *Watcher) ignored(rel string) bool {
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// arm (re)starts the debounce timer.
func (w *Watcher) arm() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.signal)
}

func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
		slog.Debug("watcher change", "dir", w.dir)
	default:
	}
}
