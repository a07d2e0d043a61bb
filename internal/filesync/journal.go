package filesync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/deskbridge/internal/db"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS sync_records (
    path TEXT PRIMARY KEY,
    checksum TEXT NOT NULL,
    last_writer TEXT NOT NULL,
    last_sync_time TEXT NOT NULL,
    written_at TEXT NOT NULL,
    version INTEGER NOT NULL,
    size INTEGER NOT NULL
);
`

type journalRow struct {
	Path         string `db:"path"`
	Checksum     string `db:"checksum"`
	LastWriter   string `db:"last_writer"`
	LastSyncTime string `db:"last_sync_time"`
	WrittenAt    string `db:"written_at"`
	Version      int64  `db:"version"`
	Size         int64  `db:"size"`
}

func (r journalRow) record() (SyncRecord, error) {
	synced, err := time.Parse(time.RFC3339Nano, r.LastSyncTime)
	if err != nil {
		return SyncRecord{}, fmt.Errorf("last_sync_time: %w", err)
	}
	written, err := time.Parse(time.RFC3339Nano, r.WrittenAt)
	if err != nil {
		return SyncRecord{}, fmt.Errorf("written_at: %w", err)
	}
	return SyncRecord{
		Path:         r.Path,
		Checksum:     r.Checksum,
		LastWriter:   Writer(r.LastWriter),
		LastSyncTime: synced,
		WrittenAt:    written,
		Version:      r.Version,
		Size:         r.Size,
	}, nil
}

// Journal persists sync records in SQLite so they survive restarts.
type Journal struct {
	db   *sqlx.DB
	path string
}

// OpenJournal opens or creates the journal at path. ":memory:" is allowed.
func OpenJournal(path string) (*Journal, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open sync journal: %w", err)
	}
	if _, err := conn.Exec(journalSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init sync journal schema: %w", err)
	}
	return &Journal{db: conn, path: path}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		slog.Error("sync journal close", "error", err)
		return err
	}
	slog.Debug("sync journal closed", "path", j.path)
	return nil
}

// Get returns nil without error when path is unknown.
func (j *Journal) Get(path string) (*SyncRecord, error) {
	var row journalRow
	err := j.db.Get(&row, "SELECT * FROM sync_records WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &rec, nil
}

func (j *Journal) Put(rec SyncRecord) error {
	row := journalRow{
		Path:         rec.Path,
		Checksum:     rec.Checksum,
		LastWriter:   string(rec.LastWriter),
		LastSyncTime: rec.LastSyncTime.UTC().Format(time.RFC3339Nano),
		WrittenAt:    rec.WrittenAt.UTC().Format(time.RFC3339Nano),
		Version:      rec.Version,
		Size:         rec.Size,
	}
	_, err := j.db.NamedExec(`INSERT OR REPLACE INTO sync_records
		(path, checksum, last_writer, last_sync_time, written_at, version, size)
		VALUES (:path, :checksum, :last_writer, :last_sync_time, :written_at, :version, :size)`, row)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Path, err)
	}
	return nil
}

func (j *Journal) Delete(path string) error {
	if _, err := j.db.Exec("DELETE FROM sync_records WHERE path = ?", path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// All loads every record. Rows that fail to decode are skipped.
func (j *Journal) All() (map[string]SyncRecord, error) {
	var rows []journalRow
	if err := j.db.Select(&rows, "SELECT * FROM sync_records"); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	out := make(map[string]SyncRecord, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			slog.Warn("sync journal skip row", "path", row.Path, "error", err)
			continue
		}
		out[rec.Path] = rec
	}
	return out, nil
}

func (j *Journal) Count() (int, error) {
	var n int
	if err := j.db.Get(&n, "SELECT COUNT(*) FROM sync_records"); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
