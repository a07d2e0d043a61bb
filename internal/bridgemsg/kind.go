package bridgemsg

import "fmt"

// Kind is the string tag carried in the message_type field.
type Kind string

const (
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
	KindHandshake  Kind = "handshake"
	KindDisconnect Kind = "disconnect"

	KindProjectSwitch Kind = "project_switch"
	KindProjectStatus Kind = "project_status"
	KindProjectList   Kind = "project_list"

	KindTaskCreate   Kind = "task_create"
	KindTaskUpdate   Kind = "task_update"
	KindTaskComplete Kind = "task_complete"
	KindTaskDelete   Kind = "task_delete"
	KindTaskList     Kind = "task_list"

	KindFileChange   Kind = "file_change"
	KindFileSync     Kind = "file_sync"
	KindFileConflict Kind = "file_conflict"

	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"
	KindSessionState Kind = "session_state"

	KindError        Kind = "error"
	KindWarning      Kind = "warning"
	KindNotification Kind = "notification"
	KindStatusUpdate Kind = "status_update"
)

var allKinds = []Kind{
	KindPing, KindPong, KindHandshake, KindDisconnect,
	KindProjectSwitch, KindProjectStatus, KindProjectList,
	KindTaskCreate, KindTaskUpdate, KindTaskComplete, KindTaskDelete, KindTaskList,
	KindFileChange, KindFileSync, KindFileConflict,
	KindSessionStart, KindSessionEnd, KindSessionState,
	KindError, KindWarning, KindNotification, KindStatusUpdate,
}

var knownKinds = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(allKinds))
	for _, k := range allKinds {
		m[k] = struct{}{}
	}
	return m
}()

// kinds the sender blocks on until a correlated reply arrives
var responseKinds = map[Kind]struct{}{
	KindHandshake:     {},
	KindProjectSwitch: {},
	KindProjectStatus: {},
	KindProjectList:   {},
	KindTaskCreate:    {},
	KindTaskList:      {},
}

func (k Kind) String() string {
	return string(k)
}

// IsKnown reports whether k belongs to the closed set of message kinds.
func (k Kind) IsKnown() bool {
	_, ok := knownKinds[k]
	return ok
}

// Kinds returns every supported kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind converts a wire tag into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsKnown() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// RequiresResponse reports whether a sender of this kind waits for a reply.
func RequiresResponse(k Kind) bool {
	_, ok := responseKinds[k]
	return ok
}
