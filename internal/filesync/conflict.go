package filesync

import (
	"context"
	"log/slog"

	"github.com/openmined/deskbridge/internal/bridgemsg"
)

// raiseConflict records c as the open conflict for its path, queues it for
// the policy and tells the peer. A path holds at most one open conflict.
func (e *Engine) raiseConflict(ctx context.Context, c *ConflictCase) {
	e.conflictMu.Lock()
	if _, open := e.conflicts[c.Path]; open {
		e.conflictMu.Unlock()
		return
	}
	e.conflicts[c.Path] = c
	e.conflictMu.Unlock()

	e.stats.conflictsDetected.Add(1)
	e.conflictQ.Enqueue(c, priorityConflict)

	slog.Warn("sync conflict detected",
		"path", c.Path,
		"origin", c.Origin,
		"incoming", c.IncomingWriter,
		"existing", existingWriter(c),
	)

	notice := bridgemsg.FileConflict{
		FilePath:        c.Path,
		CurrentChecksum: c.IncomingChecksum,
		CurrentSource:   string(c.IncomingWriter),
	}
	if c.Existing != nil {
		notice.ExistingState = c.Existing.State()
	}
	if err := e.send(ctx, e.msgr.Protocol().NewFileConflict(e.target(), notice)); err != nil {
		slog.Warn("sync conflict notice", "path", c.Path, "error", err)
	}
}

func existingWriter(c *ConflictCase) Writer {
	if c.Existing == nil {
		return ""
	}
	return c.Existing.LastWriter
}

func (e *Engine) conflictOpen(p string) bool {
	e.conflictMu.Lock()
	defer e.conflictMu.Unlock()
	_, ok := e.conflicts[p]
	return ok
}

func (e *Engine) isOpen(c *ConflictCase) bool {
	e.conflictMu.Lock()
	defer e.conflictMu.Unlock()
	return e.conflicts[c.Path] == c
}

func (e *Engine) openConflict(p string) *ConflictCase {
	e.conflictMu.Lock()
	defer e.conflictMu.Unlock()
	return e.conflicts[p]
}

func (e *Engine) clearConflict(p string) {
	e.conflictMu.Lock()
	delete(e.conflicts, p)
	e.conflictMu.Unlock()
}

// clearConflictFrom drops the open conflict for p only if it has that origin.
func (e *Engine) clearConflictFrom(p string, origin Origin) {
	e.conflictMu.Lock()
	if c, ok := e.conflicts[p]; ok && c.Origin == origin {
		delete(e.conflicts, p)
	}
	e.conflictMu.Unlock()
}

func (e *Engine) openConflictCount() int {
	e.conflictMu.Lock()
	defer e.conflictMu.Unlock()
	return len(e.conflicts)
}

// processConflict applies the configured policy to c.
func (e *Engine) processConflict(ctx context.Context, c *ConflictCase) {
	if !e.isOpen(c) {
		slog.Debug("sync conflict already settled", "path", c.Path)
		return
	}

	var incomingWins bool
	switch e.cfg.Policy {
	case PolicyManual:
		e.runConflictCallbacks(*c)
		return
	case PolicyCLIWins:
		incomingWins = c.IncomingWriter == WriterCLI
	case PolicyDesktopWins:
		incomingWins = c.IncomingWriter == WriterDesktop
	case PolicyLatestWins:
		incomingWins = c.Existing == nil || c.IncomingTime.After(c.Existing.writeTime())
	}

	var ok bool
	if incomingWins {
		ok = e.acceptIncoming(ctx, c)
	} else {
		ok = e.keepExisting(ctx, c)
	}
	if ok {
		e.stats.conflictsResolved.Add(1)
	}
	slog.Info("sync conflict resolved",
		"path", c.Path,
		"policy", e.cfg.Policy,
		"winner", winner(c, incomingWins),
		"ok", ok,
	)
}

func winner(c *ConflictCase, incomingWins bool) Writer {
	if incomingWins {
		return c.IncomingWriter
	}
	return existingWriter(c)
}

func (e *Engine) acceptIncoming(ctx context.Context, c *ConflictCase) bool {
	unlock := e.locks.lock(c.Path)
	defer unlock()

	if c.Origin == OriginLocal {
		return e.syncLocked(ctx, c.Path, e.local(), true)
	}
	return e.applyRemoteLocked(c.Path, c.content, c.IncomingChecksum, c.IncomingWriter, c.IncomingTime)
}

func (e *Engine) keepExisting(ctx context.Context, c *ConflictCase) bool {
	if c.Origin == OriginRemote {
		// the local version stands; announce it so the peer converges
		unlock := e.locks.lock(c.Path)
		defer unlock()
		return e.syncLocked(ctx, c.Path, e.local(), true)
	}

	// disk holds a local edit but the record is the peer's version. Ask the
	// peer to force-push it; the conflict stays open until it lands.
	return e.requestPull(ctx, c.Path) == nil
}

func (e *Engine) requestPull(ctx context.Context, p string) error {
	err := e.send(ctx, e.msgr.Protocol().NewFileSync(e.target(), bridgemsg.FileSync{
		FilePath: p,
		Action:   bridgemsg.SyncPull,
	}))
	if err != nil {
		slog.Warn("sync pull request", "path", p, "error", err)
		return err
	}
	slog.Info("sync pull requested", "path", p)
	return nil
}

// ResolveConflict settles p by naming the winning writer, or "manual" with
// replacement content. Resolving to the remote writer applies the content
// carried by a remote conflict, the content given, or pulls from the peer.
func (e *Engine) ResolveConflict(ctx context.Context, p, resolution string, content []byte) bool {
	p = cleanPath(p)

	var ok bool
	switch resolution {
	case string(e.local()):
		ok = e.SyncFile(ctx, p, e.local(), true)

	case string(e.remote()):
		if content == nil {
			if c := e.openConflict(p); c != nil && c.Origin == OriginRemote {
				content = c.content
			}
		}
		if content != nil {
			unlock := e.locks.lock(p)
			ok = e.applyRemoteLocked(p, content, Checksum(content), e.remote(), e.now())
			unlock()
		} else {
			ok = e.requestPull(ctx, p) == nil
		}

	case ResolutionManual:
		if content == nil {
			slog.Warn("sync resolve manual without content", "path", p)
			return false
		}
		unlock := e.locks.lock(p)
		if err := e.store.Write(p, content); err != nil {
			unlock()
			e.stats.syncErrors.Add(1)
			slog.Error("sync resolve write", "path", p, "error", err)
			return false
		}
		e.sums.forget(p)
		ok = e.syncLocked(ctx, p, e.local(), true)
		unlock()

	default:
		slog.Warn("sync resolve unknown resolution", "path", p, "resolution", resolution)
		return false
	}

	if ok {
		e.stats.conflictsResolved.Add(1)
		slog.Info("sync conflict resolved", "path", p, "resolution", resolution)
	}
	return ok
}
