package filesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/queue"
	"github.com/openmined/deskbridge/internal/storage"
)

// queue priorities, lower runs first
const (
	priorityConflict = 0
	priorityEvent    = 0
	priorityRescan   = 10
)

var ErrAlreadyRunning = errors.New("filesync: engine already running")

type syncItem struct {
	path   string
	writer Writer
}

// Option customises an Engine.
type Option func(*Engine)

func WithProjects(p ProjectLookup) Option {
	return func(e *Engine) { e.projects = p }
}

func WithChangeSource(src ChangeSource) Option {
	return func(e *Engine) { e.changes = src }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine keeps watched files consistent with the remote peer.
type Engine struct {
	cfg      Config
	store    storage.FileStorage
	msgr     Messenger
	projects ProjectLookup
	changes  ChangeSource
	now      func() time.Time

	ignore  *IgnoreList
	sums    *checksummer
	locks   *pathLocks
	journal atomic.Pointer[Journal]

	recMu   sync.RWMutex
	records map[string]*SyncRecord

	conflictMu sync.Mutex
	conflicts  map[string]*ConflictCase

	watched mapset.Set[string]
	queued  mapset.Set[string]

	syncQ     *queue.PriorityQueue[syncItem]
	conflictQ *queue.PriorityQueue[*ConflictCase]

	cbMu              sync.RWMutex
	syncCallbacks     []SyncCallback
	conflictCallbacks []ConflictCallback

	stats stats

	runMu     sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handlers  map[bridgemsg.Kind]bridgemsg.HandlerID
}

func New(cfg Config, store storage.FileStorage, msgr Messenger, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		msgr:      msgr,
		now:       time.Now,
		ignore:    NewIgnoreList(cfg.IgnorePatterns),
		sums:      newChecksummer(cfg.ChecksumCacheSize, cfg.ChecksumWorkers, cfg.LargeFileThreshold),
		locks:     newPathLocks(),
		records:   make(map[string]*SyncRecord),
		conflicts: make(map[string]*ConflictCase),
		watched:   mapset.NewSet[string](),
		queued:    mapset.NewSet[string](),
		syncQ:     queue.NewPriorityQueue[syncItem](),
		conflictQ: queue.NewPriorityQueue[*ConflictCase](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) local() Writer  { return e.cfg.Side }
func (e *Engine) remote() Writer { return e.cfg.Side.Other() }

// target is the peer name messages are addressed to.
func (e *Engine) target() string { return string(e.remote()) }

func (e *Engine) IgnoreList() *IgnoreList {
	return e.ignore
}

// Start loads state, registers the remote handlers and launches the
// background consumers. It returns once everything is running.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	if e.cfg.JournalPath != "" {
		if err := e.loadJournal(e.cfg.JournalPath); err != nil {
			return err
		}
	}

	e.ignore.Load(e.store, e.cfg.IgnoreFile)

	if e.projects != nil {
		roots, err := e.projects.Roots()
		if err != nil {
			slog.Warn("sync project roots", "error", err)
		}
		for _, root := range roots {
			e.Watch(root)
		}
	}
	if e.watched.Cardinality() == 0 {
		e.Watch(".")
	}

	e.handlers = map[bridgemsg.Kind]bridgemsg.HandlerID{
		bridgemsg.KindFileChange:   e.msgr.AddHandler(bridgemsg.KindFileChange, e.handleFileChange),
		bridgemsg.KindFileSync:     e.msgr.AddHandler(bridgemsg.KindFileSync, e.handleFileSync),
		bridgemsg.KindFileConflict: e.msgr.AddHandler(bridgemsg.KindFileConflict, e.handleFileConflict),
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = e.now()
	e.running = true

	e.wg.Add(3)
	go e.syncLoop(runCtx)
	go e.conflictLoop(runCtx)
	go e.rescanLoop(runCtx)
	if e.changes != nil {
		e.wg.Add(1)
		go e.eventLoop(runCtx)
	}

	slog.Info("sync engine started",
		"side", e.cfg.Side,
		"policy", e.cfg.Policy,
		"interval", e.cfg.Interval,
		"watched", e.watched.Cardinality(),
		"records", e.recordCount(),
	)
	return nil
}

// Stop cancels the background work and waits for it to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}

	e.cancel()
	e.wg.Wait()
	for kind, id := range e.handlers {
		e.msgr.RemoveHandler(kind, id)
	}
	e.handlers = nil

	if j := e.journal.Swap(nil); j != nil {
		j.Close()
	}
	e.running = false
	slog.Info("sync engine stopped")
}

func (e *Engine) IsRunning() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

func (e *Engine) loadJournal(dbPath string) error {
	j, err := OpenJournal(dbPath)
	if err != nil {
		return err
	}
	recs, err := j.All()
	if err != nil {
		j.Close()
		return err
	}

	e.recMu.Lock()
	for p, rec := range recs {
		rec := rec
		e.records[p] = &rec
	}
	e.recMu.Unlock()

	e.journal.Store(j)
	slog.Info("sync journal loaded", "path", dbPath, "records", len(recs))
	return nil
}

// Watch adds a storage-relative root to the rescan set.
func (e *Engine) Watch(root string) {
	root = cleanPath(root)
	if e.watched.Add(root) {
		slog.Debug("sync watch", "root", root)
	}
}

func (e *Engine) Unwatch(root string) {
	e.watched.Remove(cleanPath(root))
}

func (e *Engine) WatchedPaths() []string {
	roots := e.watched.ToSlice()
	sort.Strings(roots)
	return roots
}

func (e *Engine) isWatched(p string) bool {
	for _, root := range e.watched.ToSlice() {
		if root == "." || p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}

// Enqueue schedules a background sync of p for the local writer. It reports
// false when the path is ignored, unwatched or already queued.
func (e *Engine) Enqueue(p string) bool {
	return e.enqueue(cleanPath(p), priorityEvent)
}

func (e *Engine) enqueue(p string, priority int) bool {
	if e.ignore.ShouldIgnore(p) || !e.isWatched(p) {
		return false
	}
	if !e.queued.Add(p) {
		return false
	}
	e.syncQ.Enqueue(syncItem{path: p, writer: e.local()}, priority)
	return true
}

func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		item, err := e.syncQ.Wait(ctx)
		if err != nil {
			return
		}
		e.queued.Remove(item.path)
		e.SyncFile(ctx, item.path, item.writer, false)
	}
}

func (e *Engine) conflictLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		c, err := e.conflictQ.Wait(ctx)
		if err != nil {
			return
		}
		e.processConflict(ctx, c)
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()
	events := e.changes.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.enqueue(cleanPath(ev.Path), priorityEvent)
		}
	}
}

func (e *Engine) rescanLoop(ctx context.Context) {
	defer e.wg.Done()
	e.Rescan()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Rescan()
		}
	}
}

// Rescan queues every file under the watched roots and returns how many
// were newly queued.
func (e *Engine) Rescan() int {
	queued := 0
	for _, root := range e.watched.ToSlice() {
		files, err := e.store.List(root)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				slog.Warn("sync rescan", "root", root, "error", err)
			}
			continue
		}
		for _, f := range files {
			if e.enqueue(f, priorityRescan) {
				queued++
			}
		}
	}
	if queued > 0 {
		slog.Debug("sync rescan", "queued", queued)
	}
	return queued
}

func (e *Engine) AddSyncCallback(fn SyncCallback) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.syncCallbacks = append(e.syncCallbacks, fn)
}

func (e *Engine) AddConflictCallback(fn ConflictCallback) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.conflictCallbacks = append(e.conflictCallbacks, fn)
}

func (e *Engine) runSyncCallbacks(rec SyncRecord) {
	e.cbMu.RLock()
	cbs := append([]SyncCallback(nil), e.syncCallbacks...)
	e.cbMu.RUnlock()
	for _, fn := range cbs {
		safeCallback(func() { fn(rec) }, "sync callback", rec.Path)
	}
}

func (e *Engine) runConflictCallbacks(c ConflictCase) {
	e.cbMu.RLock()
	cbs := append([]ConflictCallback(nil), e.conflictCallbacks...)
	e.cbMu.RUnlock()
	for _, fn := range cbs {
		safeCallback(func() { fn(c) }, "conflict callback", c.Path)
	}
}

func safeCallback(fn func(), name, p string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(name, "path", p, "panic", r)
		}
	}()
	fn()
}

// record returns a copy of the record for p.
func (e *Engine) record(p string) *SyncRecord {
	e.recMu.RLock()
	defer e.recMu.RUnlock()
	rec, ok := e.records[p]
	if !ok {
		return nil
	}
	out := *rec
	return &out
}

func (e *Engine) Record(p string) (SyncRecord, bool) {
	rec := e.record(cleanPath(p))
	if rec == nil {
		return SyncRecord{}, false
	}
	return *rec, true
}

// Records returns every record sorted by path.
func (e *Engine) Records() []SyncRecord {
	e.recMu.RLock()
	out := make([]SyncRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	e.recMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (e *Engine) recordCount() int {
	e.recMu.RLock()
	defer e.recMu.RUnlock()
	return len(e.records)
}

func (e *Engine) upsert(p, sum string, writer Writer, size int64, writtenAt time.Time) SyncRecord {
	e.recMu.Lock()
	rec, ok := e.records[p]
	if !ok {
		rec = &SyncRecord{Path: p}
		e.records[p] = rec
	}
	rec.Checksum = sum
	rec.LastWriter = writer
	rec.LastSyncTime = e.now()
	rec.WrittenAt = writtenAt
	rec.Size = size
	rec.Version++
	out := *rec
	e.recMu.Unlock()

	if j := e.journal.Load(); j != nil {
		if err := j.Put(out); err != nil {
			slog.Warn("sync journal put", "path", p, "error", err)
		}
	}
	return out
}

// cleanPath makes p slash-separated and relative to the storage root.
func cleanPath(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

func (e *Engine) send(ctx context.Context, msg *bridgemsg.Message) error {
	if _, err := e.msgr.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}
