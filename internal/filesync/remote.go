package filesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/storage"
)

const changeDeleted = "deleted"

// handleFileChange applies content pushed by the peer without echoing it back.
func (e *Engine) handleFileChange(ctx context.Context, msg *bridgemsg.Message) error {
	var fc bridgemsg.FileChange
	if err := msg.DecodePayload(&fc); err != nil {
		return fmt.Errorf("file_change payload: %w", err)
	}
	p := cleanPath(fc.FilePath)
	if p == "." || fc.ChangeType == changeDeleted || fc.Content == nil {
		slog.Debug("sync remote change skipped", "path", p, "change", fc.ChangeType)
		return nil
	}
	if e.ignore.ShouldIgnore(p) {
		return nil
	}

	data, err := bridgemsg.DecodeContent(*fc.Content, fc.Encoding)
	if err != nil {
		return fmt.Errorf("file_change %s: %w", p, err)
	}
	sum := Checksum(data)
	if fc.Checksum != "" && fc.Checksum != sum {
		return fmt.Errorf("file_change %s: checksum mismatch", p)
	}

	writer := e.remote()
	if w := Writer(fc.Writer); w.Valid() {
		writer = w
	}
	writtenAt := e.incomingTime(msg, fc.WrittenAt)

	unlock := e.locks.lock(p)
	defer unlock()

	if !fc.Force {
		if e.conflictOpen(p) {
			slog.Info("sync remote change deferred, conflict open", "path", p)
			return nil
		}
		skip, existing := e.remoteVerdict(ctx, p, sum, fc.BaseChecksum)
		if skip {
			return nil
		}
		if existing != nil {
			e.raiseConflict(ctx, &ConflictCase{
				Path:             p,
				IncomingChecksum: sum,
				IncomingWriter:   writer,
				IncomingTime:     writtenAt,
				Existing:         existing,
				DetectedAt:       e.now(),
				Origin:           OriginRemote,
				content:          data,
			})
			return nil
		}
	}

	e.applyRemoteLocked(p, data, sum, writer, writtenAt)
	return nil
}

// remoteVerdict decides what an unforced remote change to p means. skip is
// set when there is nothing to do; a non-nil record is the local version the
// change conflicts with.
func (e *Engine) remoteVerdict(ctx context.Context, p, sum, base string) (bool, *SyncRecord) {
	rec := e.record(p)
	if rec != nil && rec.Checksum == sum {
		return true, nil
	}

	// unsynced local edits on disk
	if info, err := e.store.Stat(p); err == nil && !info.IsDir {
		if _, diskSum, err := e.sums.read(ctx, e.store, info); err == nil && diskSum != sum {
			if rec == nil || diskSum != rec.Checksum {
				return false, &SyncRecord{
					Path:         p,
					Checksum:     diskSum,
					LastWriter:   e.local(),
					LastSyncTime: info.ModTime,
					WrittenAt:    info.ModTime,
					Size:         info.Size,
				}
			}
		}
	}

	// the peer did not build on our latest version
	if rec != nil && rec.LastWriter == e.local() && base != rec.Checksum {
		return false, rec
	}
	return false, nil
}

func (e *Engine) incomingTime(msg *bridgemsg.Message, writtenAt string) time.Time {
	if writtenAt != "" {
		if t, err := bridgemsg.ParseTime(writtenAt); err == nil {
			return t
		}
	}
	if t, err := msg.CreatedAt(); err == nil {
		return t
	}
	return e.now()
}

// applyRemoteLocked stores a peer version of p and records it. The caller
// holds the path lock.
func (e *Engine) applyRemoteLocked(p string, data []byte, sum string, writer Writer, writtenAt time.Time) bool {
	if data == nil {
		slog.Warn("sync apply without content", "path", p)
		return false
	}

	current, err := e.store.Read(p)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.stats.syncErrors.Add(1)
		slog.Error("sync apply read", "path", p, "error", err)
		return false
	}
	if err != nil || !bytes.Equal(current, data) {
		if err := e.store.Write(p, data); err != nil {
			e.stats.syncErrors.Add(1)
			slog.Error("sync apply write", "path", p, "error", fmt.Errorf("%w: %w", ErrFileIO, err))
			return false
		}
		e.sums.forget(p)
	}

	rec := e.upsert(p, sum, writer, int64(len(data)), writtenAt)
	e.stats.filesApplied.Add(1)
	e.stats.lastSyncNs.Store(rec.LastSyncTime.UnixNano())
	e.clearConflict(p)
	e.runSyncCallbacks(rec)

	slog.Info("sync applied remote change",
		"path", p,
		"writer", writer,
		"size", humanize.Bytes(uint64(len(data))),
		"version", rec.Version,
	)
	return true
}

func (e *Engine) handleFileSync(ctx context.Context, msg *bridgemsg.Message) error {
	var fs bridgemsg.FileSync
	if err := msg.DecodePayload(&fs); err != nil {
		return fmt.Errorf("file_sync payload: %w", err)
	}
	p := cleanPath(fs.FilePath)
	if p == "." || e.ignore.ShouldIgnore(p) {
		return nil
	}

	switch fs.Action {
	case bridgemsg.SyncPush:
		if fs.Content == nil {
			return nil
		}
		data, err := bridgemsg.DecodeContent(*fs.Content, fs.Encoding)
		if err != nil {
			return fmt.Errorf("file_sync %s: %w", p, err)
		}

		unlock := e.locks.lock(p)
		defer unlock()
		if err := e.store.Write(p, data); err != nil {
			e.stats.syncErrors.Add(1)
			return fmt.Errorf("file_sync %s: %w: %w", p, ErrFileIO, err)
		}
		e.sums.forget(p)
		e.syncLocked(ctx, p, e.remote(), true)

	case bridgemsg.SyncPull:
		if _, err := e.store.Stat(p); err != nil {
			slog.Debug("sync pull for missing file", "path", p)
			return nil
		}
		e.SyncFile(ctx, p, e.local(), true)

	default:
		return fmt.Errorf("file_sync %s: unknown action %q", p, fs.Action)
	}
	return nil
}

// handleFileConflict applies a resolution chosen by the peer. Notices
// without one are only logged.
func (e *Engine) handleFileConflict(ctx context.Context, msg *bridgemsg.Message) error {
	var fc bridgemsg.FileConflict
	if err := msg.DecodePayload(&fc); err != nil {
		return fmt.Errorf("file_conflict payload: %w", err)
	}
	p := cleanPath(fc.FilePath)

	if fc.Resolution == "" {
		slog.Warn("sync peer reported conflict",
			"path", p,
			"source", fc.CurrentSource,
			"checksum", fc.CurrentChecksum,
		)
		return nil
	}

	var content []byte
	if fc.Content != nil {
		data, err := bridgemsg.DecodeContent(*fc.Content, fc.Encoding)
		if err != nil {
			return fmt.Errorf("file_conflict %s: %w", p, err)
		}
		content = data
	}
	if !e.ResolveConflict(ctx, p, fc.Resolution, content) {
		return fmt.Errorf("file_conflict %s: resolution %q failed", p, fc.Resolution)
	}
	return nil
}
