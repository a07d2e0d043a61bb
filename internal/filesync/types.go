package filesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openmined/deskbridge/internal/bridgemsg"
)

// ErrFileIO wraps storage failures surfaced by the engine.
var ErrFileIO = errors.New("filesync: file i/o")

// Writer names the side that authored a version of a file.
type Writer string

const (
	WriterCLI     Writer = "cli"
	WriterDesktop Writer = "desktop"
)

func (w Writer) Valid() bool {
	return w == WriterCLI || w == WriterDesktop
}

// Other is the opposite side.
func (w Writer) Other() Writer {
	if w == WriterCLI {
		return WriterDesktop
	}
	return WriterCLI
}

func ParseWriter(s string) (Writer, error) {
	w := Writer(s)
	if !w.Valid() {
		return "", fmt.Errorf("filesync: unknown writer %q", s)
	}
	return w, nil
}

// Policy selects how the conflict consumer settles a ConflictCase.
type Policy string

const (
	PolicyManual      Policy = "manual"
	PolicyCLIWins     Policy = "cli_wins"
	PolicyDesktopWins Policy = "desktop_wins"
	PolicyLatestWins  Policy = "latest_wins"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyManual, PolicyCLIWins, PolicyDesktopWins, PolicyLatestWins:
		return p, nil
	}
	return "", fmt.Errorf("filesync: unknown conflict policy %q", s)
}

// Origin says which side's write triggered a conflict.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Resolution names accepted by ResolveConflict besides the writer names.
const ResolutionManual = "manual"

// SyncRecord is the last agreed state of one path.
type SyncRecord struct {
	Path         string    `json:"file_path"`
	Checksum     string    `json:"checksum"`
	LastWriter   Writer    `json:"source"`
	LastSyncTime time.Time `json:"last_sync_time"`
	WrittenAt    time.Time `json:"written_at"`
	Version      int64     `json:"version"`
	Size         int64     `json:"size"`
}

// writeTime is when the recorded content was authored.
func (r SyncRecord) writeTime() time.Time {
	if !r.WrittenAt.IsZero() {
		return r.WrittenAt
	}
	return r.LastSyncTime
}

// State is the wire view sent in conflict notices.
func (r SyncRecord) State() *bridgemsg.SyncState {
	return &bridgemsg.SyncState{
		FilePath:     r.Path,
		LastSyncTime: bridgemsg.FormatTime(r.LastSyncTime),
		Checksum:     r.Checksum,
		Source:       string(r.LastWriter),
	}
}

// ConflictCase describes two divergent versions of a path.
type ConflictCase struct {
	Path             string      `json:"file_path"`
	IncomingChecksum string      `json:"incoming_checksum"`
	IncomingWriter   Writer      `json:"incoming_writer"`
	IncomingTime     time.Time   `json:"incoming_time"`
	Existing         *SyncRecord `json:"existing_record,omitempty"`
	DetectedAt       time.Time   `json:"detected_at"`
	Origin           Origin      `json:"origin"`

	// content of a remote-originated change, applied if the remote wins
	content []byte
}

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
)

// ChangeEvent is a create or modify observed under a watched root.
type ChangeEvent struct {
	Path string
	Kind ChangeKind
}

// ChangeSource yields change events with storage-relative paths.
type ChangeSource interface {
	Events() <-chan ChangeEvent
}

// ProjectLookup yields the roots to watch.
type ProjectLookup interface {
	Roots() ([]string, error)
}

// StaticProjects is a fixed list of roots.
type StaticProjects []string

func (s StaticProjects) Roots() ([]string, error) {
	return append([]string(nil), s...), nil
}

// Messenger is the message transport the engine talks through. Both the
// connector and the peer server satisfy it.
type Messenger interface {
	Protocol() *bridgemsg.Protocol
	Send(ctx context.Context, msg *bridgemsg.Message) (*bridgemsg.Message, error)
	AddHandler(kind bridgemsg.Kind, fn bridgemsg.HandlerFunc) bridgemsg.HandlerID
	RemoveHandler(kind bridgemsg.Kind, id bridgemsg.HandlerID) bool
}

type (
	SyncCallback     func(rec SyncRecord)
	ConflictCallback func(c ConflictCase)
)
