package filesync

import (
	"sort"
	"sync/atomic"
	"time"
)

type stats struct {
	filesSynced       atomic.Int64
	filesApplied      atomic.Int64
	syncErrors        atomic.Int64
	pushesDeferred    atomic.Int64
	conflictsDetected atomic.Int64
	conflictsResolved atomic.Int64
	lastSyncNs        atomic.Int64
}

type StatsSnapshot struct {
	FilesSynced       int64 `json:"files_synced"`
	FilesApplied      int64 `json:"files_applied"`
	SyncErrors        int64 `json:"sync_errors"`
	PushesDeferred    int64 `json:"pushes_deferred"`
	ConflictsDetected int64 `json:"conflicts_detected"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
	LastSyncNs        int64 `json:"last_sync_ns"`
}

func (s *stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		FilesSynced:       s.filesSynced.Load(),
		FilesApplied:      s.filesApplied.Load(),
		SyncErrors:        s.syncErrors.Load(),
		PushesDeferred:    s.pushesDeferred.Load(),
		ConflictsDetected: s.conflictsDetected.Load(),
		ConflictsResolved: s.conflictsResolved.Load(),
		LastSyncNs:        s.lastSyncNs.Load(),
	}
}

// Status is a point-in-time view of the engine for reporting layers.
type Status struct {
	Running           bool          `json:"is_running"`
	Side              Writer        `json:"side"`
	Policy            Policy        `json:"conflict_resolution"`
	Interval          time.Duration `json:"sync_interval_ns"`
	WatchedPaths      []string      `json:"watched_paths"`
	TrackedFiles      int           `json:"tracked_files"`
	OpenConflicts     int           `json:"open_conflicts"`
	UptimeNs          int64         `json:"uptime_ns"`
	SyncQueueSize     int           `json:"sync_queue_size"`
	ConflictQueueSize int           `json:"conflict_queue_size"`
	SyncCallbacks     int           `json:"sync_callbacks"`
	ConflictCallbacks int           `json:"conflict_callbacks"`
	IgnorePatterns    int           `json:"ignore_patterns"`
	Journal           string        `json:"journal,omitempty"`
	Stats             StatsSnapshot `json:"stats"`
}

func (e *Engine) Stats() StatsSnapshot {
	return e.stats.snapshot()
}

func (e *Engine) Status() Status {
	e.runMu.Lock()
	running, startedAt := e.running, e.startedAt
	e.runMu.Unlock()

	var uptime int64
	if running {
		uptime = int64(e.now().Sub(startedAt))
	}

	e.cbMu.RLock()
	syncCbs, conflictCbs := len(e.syncCallbacks), len(e.conflictCallbacks)
	e.cbMu.RUnlock()

	st := Status{
		Running:           running,
		Side:              e.cfg.Side,
		Policy:            e.cfg.Policy,
		Interval:          e.cfg.Interval,
		WatchedPaths:      e.WatchedPaths(),
		TrackedFiles:      e.recordCount(),
		OpenConflicts:     e.openConflictCount(),
		UptimeNs:          uptime,
		SyncQueueSize:     e.syncQ.Len(),
		ConflictQueueSize: e.conflictQ.Len(),
		SyncCallbacks:     syncCbs,
		ConflictCallbacks: conflictCbs,
		IgnorePatterns:    len(e.ignore.Patterns()),
		Stats:             e.stats.snapshot(),
	}
	if e.journal.Load() != nil {
		st.Journal = e.cfg.JournalPath
	}
	return st
}

// Conflicts returns the open conflicts sorted by path.
func (e *Engine) Conflicts() []ConflictCase {
	e.conflictMu.Lock()
	out := make([]ConflictCase, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		cp := *c
		cp.content = nil
		out = append(out, cp)
	}
	e.conflictMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
