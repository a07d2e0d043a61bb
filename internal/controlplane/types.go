package controlplane

import (
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/filesync"
	"github.com/openmined/deskbridge/internal/version"
)

const (
	CodeOK              = "OK"
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeRateLimited  = "ERR_RATE_LIMITED"
	ErrCodeNotReady     = "ERR_NOT_READY"
	ErrCodeSyncFailed   = "ERR_SYNC_FAILED"
	ErrCodeSendFailed   = "ERR_SEND_FAILED"
	ErrCodeNotFound     = "ERR_NOT_FOUND"
	ErrCodeInternal     = "ERR_INTERNAL"
)

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type StatusResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   version.Info     `json:"version"`
	Protocol  bridgemsg.Stats  `json:"protocol"`
	Link      any              `json:"link,omitempty"`
	Sync      *filesync.Status `json:"sync,omitempty"`
}

type SyncRequest struct {
	Path string `json:"path" binding:"required"`
	// Now syncs inline instead of queueing.
	Now   bool `json:"now"`
	Force bool `json:"force"`
}

type SyncResponse struct {
	Code   string               `json:"code"`
	Queued bool                 `json:"queued"`
	Synced bool                 `json:"synced"`
	Record *filesync.SyncRecord `json:"record,omitempty"`
}

type ConflictsResponse struct {
	Conflicts []filesync.ConflictCase `json:"conflicts"`
}

type ResolveRequest struct {
	Path string `json:"path" binding:"required"`
	// Resolution is cli, desktop or manual.
	Resolution string `json:"resolution" binding:"required"`
	// Content is required for manual and given raw, not base64.
	Content *string `json:"content,omitempty"`
}

type ResolveResponse struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Applied string `json:"resolution"`
}

// MessageRequest sends a notification or a task_* message to the other side.
type MessageRequest struct {
	Type string `json:"type" binding:"required"`
	// Notification fields
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Level   string   `json:"level"`
	Actions []string `json:"actions"`
	// Task data for task_* kinds
	Data map[string]any `json:"data"`
}

type MessageResponse struct {
	Code      string             `json:"code"`
	MessageID string             `json:"message_id"`
	Reply     *bridgemsg.Message `json:"reply,omitempty"`
}
