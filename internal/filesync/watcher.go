package filesync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/openmined/deskbridge/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	watcherBufferSize      = 64
	defaultDebounceTimeout = 50 * time.Millisecond
)

// FilterCallback returns true for root-relative paths that should be dropped.
type FilterCallback func(path string) bool

// Watcher is a recursive filesystem ChangeSource for one root directory.
// Bursts of writes to the same path are collapsed into one event.
type Watcher struct {
	root      string
	realRoot  string
	rawEvents chan notify.EventInfo
	events    chan ChangeEvent
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	debounceMu      sync.Mutex
	pending         map[string]ChangeEvent
	timers          map[string]*time.Timer
	debounceTimeout time.Duration

	filterMu sync.RWMutex
	filter   FilterCallback
}

func NewWatcher(root string) *Watcher {
	return &Watcher{
		root:            root,
		rawEvents:       make(chan notify.EventInfo, watcherBufferSize),
		events:          make(chan ChangeEvent, watcherBufferSize),
		done:            make(chan struct{}),
		pending:         make(map[string]ChangeEvent),
		timers:          make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
	}
}

func (w *Watcher) SetDebounceTimeout(d time.Duration) {
	w.debounceTimeout = d
}

func (w *Watcher) FilterPaths(fn FilterCallback) {
	w.filterMu.Lock()
	defer w.filterMu.Unlock()
	w.filter = fn
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.root)
	if err != nil {
		return fmt.Errorf("watcher root: %w", err)
	}
	// notify reports resolved paths, e.g. /private/var on darwin
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("watcher root: %w", err)
	}
	w.realRoot = real

	if err := notify.Watch(filepath.Join(real, "..."), w.rawEvents, notify.Create, notify.Write); err != nil {
		return fmt.Errorf("watch %s: %w", real, err)
	}
	slog.Info("file watcher start", "dir", real)

	w.wg.Add(1)
	go w.filterEvents(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		notify.Stop(w.rawEvents)
		w.wg.Wait()
		slog.Info("file watcher stopped", "dir", w.realRoot)
	})
}

func (w *Watcher) filterEvents(ctx context.Context) {
	defer func() {
		w.debounceMu.Lock()
		for p, timer := range w.timers {
			timer.Stop()
			delete(w.timers, p)
		}
		w.debounceMu.Unlock()
		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei := <-w.rawEvents:
			ev, ok := w.translate(ei)
			if !ok {
				continue
			}
			w.debounce(ev)
		}
	}
}

func (w *Watcher) translate(ei notify.EventInfo) (ChangeEvent, bool) {
	rel, err := utils.RelSlash(w.realRoot, ei.Path())
	if err != nil || rel == "." {
		return ChangeEvent{}, false
	}

	w.filterMu.RLock()
	filter := w.filter
	w.filterMu.RUnlock()
	if filter != nil && filter(rel) {
		return ChangeEvent{}, false
	}

	kind := ChangeModified
	if ei.Event() == notify.Create {
		kind = ChangeCreated
	}
	return ChangeEvent{Path: rel, Kind: kind}, true
}

func (w *Watcher) debounce(ev ChangeEvent) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.timers[ev.Path]; ok {
		timer.Stop()
	}
	// a create followed by writes is still a create
	if prev, ok := w.pending[ev.Path]; ok && prev.Kind == ChangeCreated {
		ev.Kind = ChangeCreated
	}
	w.pending[ev.Path] = ev
	w.timers[ev.Path] = time.AfterFunc(w.debounceTimeout, func() {
		w.flush(ev.Path)
	})
}

func (w *Watcher) flush(p string) {
	w.debounceMu.Lock()
	ev, ok := w.pending[p]
	delete(w.pending, p)
	delete(w.timers, p)
	w.debounceMu.Unlock()
	if !ok {
		return
	}

	select {
	case w.events <- ev:
		slog.Debug("file watcher", "event", ev.Kind, "path", ev.Path)
	default:
		slog.Warn("file watcher dropped", "reason", "channel full", "path", ev.Path)
	}
}
