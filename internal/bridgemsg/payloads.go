package bridgemsg

// Heartbeat is the payload of ping and pong.
type Heartbeat struct {
	Timestamp string `json:"timestamp"`
}

// ClientInfo identifies the process on the other end of a handshake.
type ClientInfo struct {
	ClientName string   `json:"client_name"`
	Version    string   `json:"version"`
	Platform   string   `json:"platform"`
	MachineID  string   `json:"machine_id,omitempty"`
	Features   []string `json:"features,omitempty"`
}

type Handshake struct {
	ClientInfo        ClientInfo `json:"client_info"`
	ProtocolVersion   string     `json:"protocol_version"`
	SupportedFeatures []string   `json:"supported_features"`
}

type Disconnect struct {
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

type ProjectSwitch struct {
	ProjectID      string         `json:"project_id"`
	ProjectContext map[string]any `json:"project_context,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// FileChange announces new content for a path.
//
// BaseChecksum is the checksum the writer last saw for the path; Force marks
// a push that must overwrite the receiver regardless of divergence.
type FileChange struct {
	FilePath     string  `json:"file_path"`
	ChangeType   string  `json:"change_type"`
	Timestamp    string  `json:"timestamp"`
	Content      *string `json:"content,omitempty"`
	Encoding     string  `json:"encoding,omitempty"`
	Checksum     string  `json:"checksum,omitempty"`
	BaseChecksum string  `json:"base_checksum,omitempty"`
	Writer       string  `json:"writer,omitempty"`
	WrittenAt    string  `json:"written_at,omitempty"`
	Force        bool    `json:"force,omitempty"`
}

// file_sync actions
const (
	SyncPush = "push"
	SyncPull = "pull"
)

type FileSync struct {
	FilePath  string  `json:"file_path"`
	Action    string  `json:"action"`
	Content   *string `json:"content,omitempty"`
	Encoding  string  `json:"encoding,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// SyncState is the wire view of a sync record.
type SyncState struct {
	FilePath     string `json:"file_path"`
	LastSyncTime string `json:"last_sync_time"`
	Checksum     string `json:"checksum"`
	Source       string `json:"source"`
}

// FileConflict is either a conflict notice (no Resolution) or a resolution request.
type FileConflict struct {
	FilePath        string     `json:"file_path"`
	Resolution      string     `json:"resolution,omitempty"`
	Content         *string    `json:"content,omitempty"`
	Encoding        string     `json:"encoding,omitempty"`
	CurrentChecksum string     `json:"current_checksum,omitempty"`
	CurrentSource   string     `json:"current_source,omitempty"`
	ExistingState   *SyncState `json:"existing_state,omitempty"`
	Timestamp       string     `json:"timestamp"`
}

type ErrorInfo struct {
	Code            string         `json:"error_code"`
	Message         string         `json:"error_message"`
	OriginalMessage *Message       `json:"original_message,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

type Notification struct {
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	Level     string   `json:"level"`
	Timestamp string   `json:"timestamp"`
	Actions   []string `json:"actions,omitempty"`
}
