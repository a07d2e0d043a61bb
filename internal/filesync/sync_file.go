package filesync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/openmined/deskbridge/internal/bridgemsg"
)

// SyncFile pushes the current content of p to the peer as written by writer.
//
// Unchanged content is a no-op that leaves the record untouched. Content
// that diverges from a record authored by the other writer raises a
// conflict instead of pushing. force skips both checks. The result reports
// whether the path is in sync afterwards.
func (e *Engine) SyncFile(ctx context.Context, p string, writer Writer, force bool) bool {
	p = cleanPath(p)
	unlock := e.locks.lock(p)
	defer unlock()
	return e.syncLocked(ctx, p, writer, force)
}

func (e *Engine) syncLocked(ctx context.Context, p string, writer Writer, force bool) bool {
	info, err := e.store.Stat(p)
	if err != nil || info.IsDir {
		e.stats.syncErrors.Add(1)
		slog.Warn("sync file unreadable", "path", p, "error", err, "dir", info.IsDir)
		return false
	}

	existing := e.record(p)
	if existing != nil && !force {
		if sum, ok := e.sums.cached(info); ok && sum == existing.Checksum {
			return true
		}
	}

	data, sum, err := e.sums.read(ctx, e.store, info)
	if err != nil {
		e.stats.syncErrors.Add(1)
		slog.Warn("sync file unreadable", "path", p, "error", err)
		return false
	}

	if existing != nil && !force {
		if existing.Checksum == sum {
			// content went back to the agreed version
			e.clearConflictFrom(p, OriginLocal)
			return true
		}
		if e.conflictOpen(p) {
			slog.Debug("sync skipped, conflict open", "path", p)
			return false
		}
		if existing.LastWriter != writer {
			e.raiseConflict(ctx, &ConflictCase{
				Path:             p,
				IncomingChecksum: sum,
				IncomingWriter:   writer,
				IncomingTime:     info.ModTime,
				Existing:         existing,
				DetectedAt:       e.now(),
				Origin:           OriginLocal,
			})
			return false
		}
	}

	content, encoding := bridgemsg.EncodeContent(data)
	change := bridgemsg.FileChange{
		FilePath:   p,
		ChangeType: string(ChangeModified),
		Content:    &content,
		Encoding:   encoding,
		Checksum:   sum,
		Writer:     string(writer),
		WrittenAt:  bridgemsg.FormatTime(info.ModTime),
		Force:      force,
	}
	if existing == nil {
		change.ChangeType = string(ChangeCreated)
	} else {
		change.BaseChecksum = existing.Checksum
	}

	if err := e.send(ctx, e.msgr.Protocol().NewFileChange(e.target(), change)); err != nil {
		// link down: the next rescan after reconnect retries the path
		if errors.Is(err, bridgemsg.ErrNoLink) {
			e.stats.pushesDeferred.Add(1)
			slog.Debug("sync push deferred, link down", "path", p)
			return false
		}
		e.stats.syncErrors.Add(1)
		slog.Warn("sync push failed", "path", p, "error", err)
		return false
	}

	rec := e.upsert(p, sum, writer, info.Size, info.ModTime)
	e.stats.filesSynced.Add(1)
	e.stats.lastSyncNs.Store(rec.LastSyncTime.UnixNano())
	if force {
		e.clearConflict(p)
	}
	e.runSyncCallbacks(rec)

	slog.Info("sync push",
		"path", p,
		"writer", writer,
		"size", humanize.Bytes(uint64(info.Size)),
		"version", rec.Version,
		"force", force,
	)
	return true
}
