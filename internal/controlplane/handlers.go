package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/filesync"
	"github.com/openmined/deskbridge/internal/version"
)

// Engine is the part of the sync engine the control plane drives.
type Engine interface {
	Config() filesync.Config
	Status() filesync.Status
	Enqueue(p string) bool
	SyncFile(ctx context.Context, p string, writer filesync.Writer, force bool) bool
	Record(p string) (filesync.SyncRecord, bool)
	Conflicts() []filesync.ConflictCase
	ResolveConflict(ctx context.Context, p, resolution string, content []byte) bool
}

// Sender is the bridge link outgoing messages go through.
type Sender interface {
	Protocol() *bridgemsg.Protocol
	Send(ctx context.Context, msg *bridgemsg.Message) (*bridgemsg.Message, error)
}

// Deps wires the handlers to the running bridge. Engine may be nil when
// sync is disabled.
type Deps struct {
	Engine Engine
	Sender Sender
	// Target is the peer name put on outgoing messages.
	Target string
	// LinkStatus reports connector or peer state for /v1/status.
	LinkStatus func() any
}

type handlers struct {
	deps Deps
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	_ = c.Error(err)
	c.PureJSON(status, ErrorResponse{Code: code, Error: err.Error()})
}

func (h *handlers) index(c *gin.Context) {
	c.PureJSON(http.StatusOK, version.Get())
}

func (h *handlers) status(c *gin.Context) {
	resp := StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Get(),
	}
	if h.deps.Sender != nil {
		resp.Protocol = h.deps.Sender.Protocol().Stats()
	}
	if h.deps.LinkStatus != nil {
		resp.Link = h.deps.LinkStatus()
	}
	if h.deps.Engine != nil {
		st := h.deps.Engine.Status()
		resp.Sync = &st
	}
	c.PureJSON(http.StatusOK, resp)
}

func (h *handlers) engine(c *gin.Context) (Engine, bool) {
	if h.deps.Engine == nil {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeNotReady, errors.New("sync engine disabled"))
		return nil, false
	}
	return h.deps.Engine, true
}

func (h *handlers) sync(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	if !req.Now && !req.Force {
		queued := eng.Enqueue(req.Path)
		c.PureJSON(http.StatusAccepted, SyncResponse{Code: CodeOK, Queued: queued})
		return
	}

	if !eng.SyncFile(c.Request.Context(), req.Path, eng.Config().Side, req.Force) {
		abortWithError(c, http.StatusConflict, ErrCodeSyncFailed, fmt.Errorf("sync %s did not complete", req.Path))
		return
	}
	resp := SyncResponse{Code: CodeOK, Synced: true}
	if rec, found := eng.Record(req.Path); found {
		resp.Record = &rec
	}
	c.PureJSON(http.StatusOK, resp)
}

func (h *handlers) conflicts(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}
	list := eng.Conflicts()
	if list == nil {
		list = []filesync.ConflictCase{}
	}
	c.PureJSON(http.StatusOK, ConflictsResponse{Conflicts: list})
}

func (h *handlers) resolve(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	var content []byte
	if req.Content != nil {
		content = []byte(*req.Content)
	}
	if req.Resolution == filesync.ResolutionManual && content == nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errors.New("manual resolution needs content"))
		return
	}

	if !eng.ResolveConflict(c.Request.Context(), req.Path, req.Resolution, content) {
		abortWithError(c, http.StatusConflict, ErrCodeSyncFailed, fmt.Errorf("resolve %s as %q failed", req.Path, req.Resolution))
		return
	}
	c.PureJSON(http.StatusOK, ResolveResponse{Code: CodeOK, Path: req.Path, Applied: req.Resolution})
}

func (h *handlers) message(c *gin.Context) {
	if h.deps.Sender == nil {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeNotReady, errors.New("bridge link not ready"))
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	msg, err := h.buildMessage(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	reply, err := h.deps.Sender.Send(c.Request.Context(), msg)
	if err != nil {
		abortWithError(c, http.StatusBadGateway, ErrCodeSendFailed, err)
		return
	}
	c.PureJSON(http.StatusOK, MessageResponse{Code: CodeOK, MessageID: msg.ID, Reply: reply})
}

func (h *handlers) buildMessage(req MessageRequest) (*bridgemsg.Message, error) {
	kind, err := bridgemsg.ParseKind(req.Type)
	if err != nil {
		return nil, err
	}
	proto := h.deps.Sender.Protocol()

	switch kind {
	case bridgemsg.KindNotification:
		if req.Title == "" && req.Message == "" {
			return nil, errors.New("notification needs a title or message")
		}
		return proto.NewNotification(h.deps.Target, bridgemsg.Notification{
			Title:   req.Title,
			Message: req.Message,
			Level:   req.Level,
			Actions: req.Actions,
		}), nil
	case bridgemsg.KindTaskCreate, bridgemsg.KindTaskUpdate, bridgemsg.KindTaskComplete,
		bridgemsg.KindTaskDelete, bridgemsg.KindTaskList:
		return proto.NewTask(kind, h.deps.Target, req.Data), nil
	}
	return nil, fmt.Errorf("message type %q cannot be sent from the control plane", kind)
}
