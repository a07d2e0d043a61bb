package filesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	proto    *bridgemsg.Protocol
	handlers *bridgemsg.Handlers

	mu   sync.Mutex
	sent []*bridgemsg.Message
	err  error
}

func newFakeMessenger(source string) *fakeMessenger {
	return &fakeMessenger{
		proto:    bridgemsg.NewProtocol(source),
		handlers: bridgemsg.NewHandlers(),
	}
}

func (f *fakeMessenger) Protocol() *bridgemsg.Protocol { return f.proto }

func (f *fakeMessenger) Send(_ context.Context, msg *bridgemsg.Message) (*bridgemsg.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return nil, nil
}

func (f *fakeMessenger) AddHandler(kind bridgemsg.Kind, fn bridgemsg.HandlerFunc) bridgemsg.HandlerID {
	return f.handlers.Add(kind, fn)
}

func (f *fakeMessenger) RemoveHandler(kind bridgemsg.Kind, id bridgemsg.HandlerID) bool {
	return f.handlers.Remove(kind, id)
}

func (f *fakeMessenger) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeMessenger) sentOf(kind bridgemsg.Kind) []*bridgemsg.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bridgemsg.Message
	for _, m := range f.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, cfg Config, store storage.FileStorage, opts ...Option) (*Engine, *fakeMessenger) {
	t.Helper()
	msgr := newFakeMessenger(string(WriterCLI))
	e, err := New(cfg, store, msgr, opts...)
	require.NoError(t, err)
	return e, msgr
}

func desktopChange(p, content string, writtenAt time.Time, base string) *bridgemsg.Message {
	return bridgemsg.NewProtocol("desktop").NewFileChange("cli", bridgemsg.FileChange{
		FilePath:     p,
		ChangeType:   "modified",
		Content:      &content,
		Checksum:     Checksum([]byte(content)),
		BaseChecksum: base,
		Writer:       "desktop",
		WrittenAt:    bridgemsg.FormatTime(writtenAt),
	})
}

func drainConflicts(ctx context.Context, e *Engine) {
	for _, c := range e.conflictQ.DequeueAll() {
		e.processConflict(ctx, c)
	}
}

func writeAt(t *testing.T, root, p, content string, at time.Time) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(full, at, at))
}

func readDisk(t *testing.T, root, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func TestSyncFileIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemory()
	require.NoError(t, store.Write("config.json", []byte(`{"a":1}`)))

	e, msgr := newTestEngine(t, Config{}, store, WithClock(clock.Now))

	require.True(t, e.SyncFile(ctx, "config.json", WriterCLI, false))
	first, ok := e.Record("config.json")
	require.True(t, ok)

	clock.Advance(time.Minute)
	assert.True(t, e.SyncFile(ctx, "config.json", WriterCLI, false))

	second, _ := e.Record("config.json")
	assert.Equal(t, first.LastSyncTime, second.LastSyncTime)
	assert.Equal(t, int64(1), second.Version)
	assert.Equal(t, int64(1), e.Stats().FilesSynced)
	assert.Len(t, msgr.sentOf(bridgemsg.KindFileChange), 1)
}

func TestSyncFilePushesContent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Write("src/main.go", []byte("package main\n")))

	e, msgr := newTestEngine(t, Config{}, store)
	require.True(t, e.SyncFile(ctx, "src/main.go", WriterCLI, false))

	sent := msgr.sentOf(bridgemsg.KindFileChange)
	require.Len(t, sent, 1)
	assert.Equal(t, "desktop", sent[0].Target)

	var fc bridgemsg.FileChange
	require.NoError(t, sent[0].DecodePayload(&fc))
	assert.Equal(t, "src/main.go", fc.FilePath)
	assert.Equal(t, "created", fc.ChangeType)
	require.NotNil(t, fc.Content)
	assert.Equal(t, "package main\n", *fc.Content)
	assert.Equal(t, Checksum([]byte("package main\n")), fc.Checksum)
	assert.Equal(t, "cli", fc.Writer)
	assert.Empty(t, fc.BaseChecksum)
}

func TestSyncFileForceAlwaysPushes(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemory()
	require.NoError(t, store.Write("a.txt", []byte("same")))

	e, msgr := newTestEngine(t, Config{}, store, WithClock(clock.Now))
	require.True(t, e.SyncFile(ctx, "a.txt", WriterCLI, false))
	first, _ := e.Record("a.txt")

	clock.Advance(time.Second)
	require.True(t, e.SyncFile(ctx, "a.txt", WriterCLI, true))
	second, _ := e.Record("a.txt")

	assert.Equal(t, int64(2), second.Version)
	assert.True(t, second.LastSyncTime.After(first.LastSyncTime))
	assert.Len(t, msgr.sentOf(bridgemsg.KindFileChange), 2)
	assert.Equal(t, int64(2), e.Stats().FilesSynced)
}

func TestSyncFileUnreadable(t *testing.T) {
	e, msgr := newTestEngine(t, Config{}, storage.NewMemory())

	assert.False(t, e.SyncFile(context.Background(), "missing.txt", WriterCLI, false))
	assert.Equal(t, int64(1), e.Stats().SyncErrors)
	assert.Empty(t, msgr.sentOf(bridgemsg.KindFileChange))
}

func TestSyncFilePushFailureLeavesRecord(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Write("a.txt", []byte("x")))
	e, msgr := newTestEngine(t, Config{}, store)
	msgr.setErr(errors.New("write: broken pipe"))

	assert.False(t, e.SyncFile(context.Background(), "a.txt", WriterCLI, false))
	_, ok := e.Record("a.txt")
	assert.False(t, ok)
	assert.Equal(t, int64(1), e.Stats().SyncErrors)
	assert.Zero(t, e.Stats().PushesDeferred)
}

func TestSyncFileLinkDownIsDeferred(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Write("a.txt", []byte("x")))
	e, msgr := newTestEngine(t, Config{}, store)
	msgr.setErr(fmt.Errorf("connector: not connected: %w", bridgemsg.ErrNoLink))

	assert.False(t, e.SyncFile(context.Background(), "a.txt", WriterCLI, false))
	_, ok := e.Record("a.txt")
	assert.False(t, ok)
	assert.Zero(t, e.Stats().SyncErrors)
	assert.Equal(t, int64(1), e.Stats().PushesDeferred)

	// link back up, the same path goes through
	msgr.setErr(nil)
	assert.True(t, e.SyncFile(context.Background(), "a.txt", WriterCLI, false))
	assert.Len(t, msgr.sentOf(bridgemsg.KindFileChange), 1)
}

func TestUnwatchDropsRootFromRescan(t *testing.T) {
	store := storage.NewMemory()
	for _, p := range []string{"proj/a.go", "proj/sub/b.go", "other/c.go"} {
		require.NoError(t, store.Write(p, []byte(p)))
	}
	e, _ := newTestEngine(t, Config{}, store)

	e.Watch("proj")
	e.Watch("/other/")
	assert.Equal(t, []string{"other", "proj"}, e.WatchedPaths())

	e.Unwatch("other/")
	assert.Equal(t, []string{"proj"}, e.WatchedPaths())

	assert.Equal(t, 2, e.Rescan())
	var paths []string
	for _, item := range e.syncQ.DequeueAll() {
		paths = append(paths, item.path)
	}
	assert.ElementsMatch(t, []string{"proj/a.go", "proj/sub/b.go"}, paths)

	assert.False(t, e.Enqueue("other/c.go"))
	assert.Zero(t, e.syncQ.Len())
}

func TestSyncFileDetectsConflictOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e, msgr := newTestEngine(t, Config{Policy: PolicyManual}, store)

	var seen []ConflictCase
	e.AddConflictCallback(func(c ConflictCase) { seen = append(seen, c) })

	require.NoError(t, e.handleFileChange(ctx, desktopChange("notes.md", "A", time.Now(), "")))
	rec, ok := e.Record("notes.md")
	require.True(t, ok)
	require.Equal(t, WriterDesktop, rec.LastWriter)

	require.NoError(t, store.Write("notes.md", []byte("B")))
	assert.False(t, e.SyncFile(ctx, "notes.md", WriterCLI, false))
	assert.Equal(t, int64(1), e.Stats().ConflictsDetected)

	// still open, not detected again
	assert.False(t, e.SyncFile(ctx, "notes.md", WriterCLI, false))
	assert.Equal(t, int64(1), e.Stats().ConflictsDetected)

	notices := msgr.sentOf(bridgemsg.KindFileConflict)
	require.Len(t, notices, 1)
	var fc bridgemsg.FileConflict
	require.NoError(t, notices[0].DecodePayload(&fc))
	assert.Equal(t, Checksum([]byte("B")), fc.CurrentChecksum)
	assert.Equal(t, "cli", fc.CurrentSource)
	require.NotNil(t, fc.ExistingState)
	assert.Equal(t, "desktop", fc.ExistingState.Source)

	// nothing pushed over the remote version
	assert.Empty(t, msgr.sentOf(bridgemsg.KindFileChange))
	rec, _ = e.Record("notes.md")
	assert.Equal(t, Checksum([]byte("A")), rec.Checksum)

	drainConflicts(ctx, e)
	require.Len(t, seen, 1)
	assert.Equal(t, OriginLocal, seen[0].Origin)
	assert.Len(t, e.Conflicts(), 1)
}

func TestLatestWinsIsOrderIndependent(t *testing.T) {
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	t10 := base.Add(10 * time.Second)
	t12 := base.Add(12 * time.Second)

	t.Run("desktop first", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		store, err := storage.NewOS(root)
		require.NoError(t, err)
		e, _ := newTestEngine(t, Config{Policy: PolicyLatestWins}, store)

		require.NoError(t, e.handleFileChange(ctx, desktopChange("notes.md", "A", t10, "")))
		writeAt(t, root, "notes.md", "B", t12)

		assert.False(t, e.SyncFile(ctx, "notes.md", WriterCLI, false))
		drainConflicts(ctx, e)

		rec, ok := e.Record("notes.md")
		require.True(t, ok)
		assert.Equal(t, Checksum([]byte("B")), rec.Checksum)
		assert.Equal(t, WriterCLI, rec.LastWriter)
		assert.Equal(t, "B", readDisk(t, root, "notes.md"))
		assert.Empty(t, e.Conflicts())
	})

	t.Run("cli first", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		store, err := storage.NewOS(root)
		require.NoError(t, err)
		e, msgr := newTestEngine(t, Config{Policy: PolicyLatestWins}, store)

		writeAt(t, root, "notes.md", "B", t12)
		require.True(t, e.SyncFile(ctx, "notes.md", WriterCLI, false))

		require.NoError(t, e.handleFileChange(ctx, desktopChange("notes.md", "A", t10, "")))
		assert.Equal(t, int64(1), e.Stats().ConflictsDetected)
		drainConflicts(ctx, e)

		rec, ok := e.Record("notes.md")
		require.True(t, ok)
		assert.Equal(t, Checksum([]byte("B")), rec.Checksum)
		assert.Equal(t, "B", readDisk(t, root, "notes.md"))
		assert.Empty(t, e.Conflicts())

		// the kept version is re-announced with force so the peer converges
		pushes := msgr.sentOf(bridgemsg.KindFileChange)
		require.Len(t, pushes, 2)
		var fc bridgemsg.FileChange
		require.NoError(t, pushes[1].DecodePayload(&fc))
		assert.True(t, fc.Force)
	})
}

func TestDesktopWinsAppliesRemoteContent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := storage.NewOS(root)
	require.NoError(t, err)
	e, _ := newTestEngine(t, Config{Policy: PolicyDesktopWins}, store)

	writeAt(t, root, "notes.md", "B", time.Now().Add(-time.Minute))
	require.True(t, e.SyncFile(ctx, "notes.md", WriterCLI, false))

	require.NoError(t, e.handleFileChange(ctx, desktopChange("notes.md", "A", time.Now().Add(-time.Hour), "")))
	drainConflicts(ctx, e)

	assert.Equal(t, "A", readDisk(t, root, "notes.md"))
	rec, _ := e.Record("notes.md")
	assert.Equal(t, WriterDesktop, rec.LastWriter)
	assert.Equal(t, int64(1), e.Stats().ConflictsResolved)
}

func TestCLIWinsPushesLocalVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e, msgr := newTestEngine(t, Config{Policy: PolicyCLIWins}, store)

	require.NoError(t, e.handleFileChange(ctx, desktopChange("a.txt", "A", time.Now(), "")))
	require.NoError(t, store.Write("a.txt", []byte("B")))
	require.False(t, e.SyncFile(ctx, "a.txt", WriterCLI, false))
	drainConflicts(ctx, e)

	rec, _ := e.Record("a.txt")
	assert.Equal(t, Checksum([]byte("B")), rec.Checksum)
	assert.Len(t, msgr.sentOf(bridgemsg.KindFileChange), 1)
	assert.Empty(t, msgr.sentOf(bridgemsg.KindFileSync))
}

func TestRemoteChangeOnCurrentBaseApplies(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e, _ := newTestEngine(t, Config{}, store)

	require.NoError(t, store.Write("a.txt", []byte("B")))
	require.True(t, e.SyncFile(ctx, "a.txt", WriterCLI, false))

	msg := desktopChange("a.txt", "C", time.Now(), Checksum([]byte("B")))
	require.NoError(t, e.handleFileChange(ctx, msg))

	data, err := store.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "C", string(data))
	assert.Zero(t, e.Stats().ConflictsDetected)
	assert.Equal(t, int64(1), e.Stats().FilesApplied)
}

func TestRemoteChangeRejectsBadChecksum(t *testing.T) {
	store := storage.NewMemory()
	e, _ := newTestEngine(t, Config{}, store)

	content := "hello"
	msg := bridgemsg.NewProtocol("desktop").NewFileChange("cli", bridgemsg.FileChange{
		FilePath: "a.txt", ChangeType: "modified", Content: &content, Checksum: "deadbeef",
	})
	assert.Error(t, e.handleFileChange(context.Background(), msg))
	_, err := store.Stat("a.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoteChangeIsNotEchoed(t *testing.T) {
	store := storage.NewMemory()
	e, msgr := newTestEngine(t, Config{}, store)

	require.NoError(t, e.handleFileChange(context.Background(), desktopChange("docs/x.md", "hi", time.Now(), "")))
	assert.Empty(t, msgr.sentOf(bridgemsg.KindFileChange))

	// a rescan of the applied file is a no-op
	assert.True(t, e.SyncFile(context.Background(), "docs/x.md", WriterCLI, false))
	assert.Empty(t, msgr.sentOf(bridgemsg.KindFileChange))
}

func TestFileSyncPullForcesPush(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Write("a.txt", []byte("x")))
	e, msgr := newTestEngine(t, Config{}, store)

	pull := bridgemsg.NewProtocol("desktop").NewFileSync("cli", bridgemsg.FileSync{FilePath: "a.txt", Action: bridgemsg.SyncPull})
	require.NoError(t, e.handleFileSync(ctx, pull))

	pushes := msgr.sentOf(bridgemsg.KindFileChange)
	require.Len(t, pushes, 1)
	var fc bridgemsg.FileChange
	require.NoError(t, pushes[0].DecodePayload(&fc))
	assert.True(t, fc.Force)
}

func TestFileSyncPushWritesContent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e, _ := newTestEngine(t, Config{}, store)

	content := "pushed"
	push := bridgemsg.NewProtocol("desktop").NewFileSync("cli", bridgemsg.FileSync{FilePath: "p.txt", Action: bridgemsg.SyncPush, Content: &content})
	require.NoError(t, e.handleFileSync(ctx, push))

	data, err := store.Read("p.txt")
	require.NoError(t, err)
	assert.Equal(t, "pushed", string(data))
	rec, ok := e.Record("p.txt")
	require.True(t, ok)
	assert.Equal(t, WriterDesktop, rec.LastWriter)
}

func TestResolveConflictManual(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e, _ := newTestEngine(t, Config{Policy: PolicyManual}, store)

	require.NoError(t, e.handleFileChange(ctx, desktopChange("a.txt", "A", time.Now(), "")))
	require.NoError(t, store.Write("a.txt", []byte("B")))
	require.False(t, e.SyncFile(ctx, "a.txt", WriterCLI, false))
	require.Len(t, e.Conflicts(), 1)

	assert.False(t, e.ResolveConflict(ctx, "a.txt", ResolutionManual, nil))
	require.True(t, e.ResolveConflict(ctx, "a.txt", ResolutionManual, []byte("merged")))

	data, err := store.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "merged", string(data))
	rec, _ := e.Record("a.txt")
	assert.Equal(t, Checksum([]byte("merged")), rec.Checksum)
	assert.Equal(t, WriterCLI, rec.LastWriter)
	assert.Empty(t, e.Conflicts())
	assert.Equal(t, int64(1), e.Stats().ConflictsResolved)
}

func TestResolveConflictRemoteWithoutContentPulls(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e, msgr := newTestEngine(t, Config{Policy: PolicyManual}, store)

	require.NoError(t, e.handleFileChange(ctx, desktopChange("a.txt", "A", time.Now(), "")))
	require.NoError(t, store.Write("a.txt", []byte("B")))
	require.False(t, e.SyncFile(ctx, "a.txt", WriterCLI, false))

	require.True(t, e.ResolveConflict(ctx, "a.txt", "desktop", nil))
	pulls := msgr.sentOf(bridgemsg.KindFileSync)
	require.Len(t, pulls, 1)
	var fs bridgemsg.FileSync
	require.NoError(t, pulls[0].DecodePayload(&fs))
	assert.Equal(t, bridgemsg.SyncPull, fs.Action)

	// conflict stays open until the forced push arrives
	require.Len(t, e.Conflicts(), 1)
	forced := desktopChange("a.txt", "A", time.Now(), "")
	forced.Payload["force"] = true
	require.NoError(t, e.handleFileChange(ctx, forced))
	assert.Empty(t, e.Conflicts())

	data, _ := store.Read("a.txt")
	assert.Equal(t, "A", string(data))
}

func TestResolveConflictUnknown(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, storage.NewMemory())
	assert.False(t, e.ResolveConflict(context.Background(), "a.txt", "merge", nil))
}

func TestPeerResolutionMessage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e, _ := newTestEngine(t, Config{Policy: PolicyManual}, store)

	require.NoError(t, e.handleFileChange(ctx, desktopChange("a.txt", "A", time.Now(), "")))
	require.NoError(t, store.Write("a.txt", []byte("B")))
	require.False(t, e.SyncFile(ctx, "a.txt", WriterCLI, false))

	content := "from desktop"
	msg := bridgemsg.NewProtocol("desktop").NewFileConflict("cli", bridgemsg.FileConflict{
		FilePath: "a.txt", Resolution: "desktop", Content: &content,
	})
	require.NoError(t, e.handleFileConflict(ctx, msg))

	data, _ := store.Read("a.txt")
	assert.Equal(t, "from desktop", string(data))
	assert.Empty(t, e.Conflicts())

	notice := bridgemsg.NewProtocol("desktop").NewFileConflict("cli", bridgemsg.FileConflict{FilePath: "a.txt"})
	assert.NoError(t, e.handleFileConflict(ctx, notice))
}

func TestEngineStartSyncsWatchedFiles(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Write("proj/a.go", []byte("a")))
	require.NoError(t, store.Write("proj/b.go", []byte("b")))
	require.NoError(t, store.Write("proj/debug.log", []byte("noise")))
	require.NoError(t, store.Write("other/c.go", []byte("c")))

	e, msgr := newTestEngine(t, Config{Interval: time.Hour}, store, WithProjects(StaticProjects{"proj"}))

	var mu sync.Mutex
	synced := map[string]bool{}
	e.AddSyncCallback(func(rec SyncRecord) {
		mu.Lock()
		synced[rec.Path] = true
		mu.Unlock()
	})

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		return e.Stats().FilesSynced == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, map[string]bool{"proj/a.go": true, "proj/b.go": true}, synced)
	mu.Unlock()

	st := e.Status()
	assert.True(t, st.Running)
	assert.Equal(t, []string{"proj"}, st.WatchedPaths)
	assert.Equal(t, 2, st.TrackedFiles)
	assert.Equal(t, 1, st.SyncCallbacks)

	// inbound messages reach the engine through the messenger
	assert.Equal(t, 1, msgr.handlers.Dispatch(context.Background(), desktopChange("proj/new.go", "n", time.Now(), "")))
	data, err := store.Read("proj/new.go")
	require.NoError(t, err)
	assert.Equal(t, "n", string(data))

	e.Stop()
	assert.False(t, e.IsRunning())
	assert.False(t, msgr.handlers.Has(bridgemsg.KindFileChange))
}

type chanSource chan ChangeEvent

func (c chanSource) Events() <-chan ChangeEvent { return c }

func TestEngineConsumesChangeEvents(t *testing.T) {
	store := storage.NewMemory()
	src := make(chanSource, 4)
	e, _ := newTestEngine(t, Config{Interval: time.Hour}, store, WithProjects(StaticProjects{"proj"}), WithChangeSource(src))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	require.NoError(t, store.Write("proj/x.txt", []byte("x")))
	require.NoError(t, store.Write("elsewhere/y.txt", []byte("y")))
	src <- ChangeEvent{Path: "proj/x.txt", Kind: ChangeCreated}
	src <- ChangeEvent{Path: "elsewhere/y.txt", Kind: ChangeCreated}

	assert.Eventually(t, func() bool {
		_, ok := e.Record("proj/x.txt")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := e.Record("elsewhere/y.txt")
	assert.False(t, ok)
}

func TestEngineJournalPersistsRecords(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "sync.db")
	store := storage.NewMemory()
	require.NoError(t, store.Write("proj/a.txt", []byte("a")))

	cfg := Config{Interval: time.Hour, JournalPath: dbPath}
	e, _ := newTestEngine(t, cfg, store, WithProjects(StaticProjects{"proj"}))
	require.NoError(t, e.Start(ctx))
	assert.Eventually(t, func() bool {
		_, ok := e.Record("proj/a.txt")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, dbPath, e.Status().Journal)
	e.Stop()

	restarted, msgr := newTestEngine(t, cfg, store, WithProjects(StaticProjects{"proj"}))
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop()

	rec, ok := restarted.Record("proj/a.txt")
	require.True(t, ok)
	assert.Equal(t, Checksum([]byte("a")), rec.Checksum)

	// nothing changed since the journal was written
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, msgr.sentOf(bridgemsg.KindFileChange))
}

func TestPathLocksReleaseEntries(t *testing.T) {
	l := newPathLocks()
	unlock := l.lock("a")
	done := make(chan struct{})
	go func() {
		release := l.lock("a")
		release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	assert.Zero(t, l.len())
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Side: "tablet"}, storage.NewMemory(), newFakeMessenger("cli"))
	assert.Error(t, err)
	_, err = New(Config{Policy: "coin_flip"}, storage.NewMemory(), newFakeMessenger("cli"))
	assert.Error(t, err)

	e, err := New(Config{}, storage.NewMemory(), newFakeMessenger("cli"))
	require.NoError(t, err)
	assert.Equal(t, PolicyLatestWins, e.Config().Policy)
	assert.Equal(t, DefaultInterval, e.Config().Interval)
}
