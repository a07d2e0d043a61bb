package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/version"
	"github.com/openmined/deskbridge/internal/wsproto"
)

// Path is where the bridge websocket endpoint is mounted.
const Path = "/v1/bridge"

const (
	defaultWriteTimeout = 10 * time.Second
	maxMessageSize      = 16 * 1024 * 1024
)

var (
	ErrNoClients    = fmt.Errorf("peer: no connected clients: %w", bridgemsg.ErrNoLink)
	ErrNoRoute      = errors.New("peer: no client for target")
	ErrQueueFull    = errors.New("peer: client send queue full")
	ErrClientClosed = errors.New("peer: client closed")
)

type Config struct {
	Name         string
	Features     []string
	WriteTimeout time.Duration
	// DisableAutoAck stops the server from acknowledging response-requiring
	// messages that no handler claimed.
	DisableAutoAck bool
}

// Server is the accepting end of the bridge.
type Server struct {
	cfg      Config
	proto    *bridgemsg.Protocol
	handlers *bridgemsg.Handlers
	info     bridgemsg.ClientInfo

	mu      sync.RWMutex
	clients map[string]*client
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "desktop"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		proto:    bridgemsg.NewProtocol(cfg.Name),
		handlers: bridgemsg.NewHandlers(),
		info: bridgemsg.ClientInfo{
			ClientName: version.AppName + "-" + cfg.Name,
			Version:    version.Version,
			Platform:   runtime.GOOS + "/" + runtime.GOARCH,
			Features:   cfg.Features,
		},
		clients: make(map[string]*client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Server) Protocol() *bridgemsg.Protocol {
	return s.proto
}

func (s *Server) AddHandler(kind bridgemsg.Kind, fn bridgemsg.HandlerFunc) bridgemsg.HandlerID {
	return s.handlers.Add(kind, fn)
}

func (s *Server) RemoveHandler(kind bridgemsg.Kind, id bridgemsg.HandlerID) bool {
	return s.handlers.Remove(kind, id)
}

// Register mounts the websocket endpoint on r.
func (s *Server) Register(r gin.IRouter) {
	r.GET(Path, s.Handler)
}

// Handler upgrades the request to a websocket and serves it until it closes.
func (s *Server) Handler(ctx *gin.Context) {
	enc := wsproto.PreferredEncoding(ctx.GetHeader(wsproto.HeaderEncodings))
	ctx.Writer.Header().Set(wsproto.HeaderEncoding, strings.ToLower(enc.String()))

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("peer accept", "error", err)
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("websocket accept failed: %v", err)})
		return
	}
	conn.SetReadLimit(maxMessageSize)

	cl := newClient(uuid.NewString()[:8], conn, enc, ctx.ClientIP())
	if !s.add(cl) {
		cl.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	cl.wg.Add(2)
	go cl.writeLoop(s.ctx, s.cfg.WriteTimeout)
	go cl.readLoop(s.ctx, s.handle)

	<-cl.closed
	s.remove(cl)
}

func (s *Server) add(cl *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.clients[cl.connID] = cl
	s.wg.Add(1)
	slog.Info("peer client connected", "connId", cl.connID, "ip", cl.remoteIP, "encoding", cl.encoding, "active", len(s.clients))
	return true
}

func (s *Server) remove(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[cl.connID]; !ok {
		return
	}
	delete(s.clients, cl.connID)
	s.wg.Done()
	slog.Info("peer client disconnected", "connId", cl.connID, "source", cl.Source(), "active", len(s.clients))
}

func (s *Server) handle(ctx context.Context, cl *client, msg *bridgemsg.Message) {
	if err := bridgemsg.Check(msg); err != nil {
		slog.Debug("peer drop invalid", "connId", cl.connID, "error", err)
		return
	}
	cl.setSource(msg.Source)

	switch msg.Kind {
	case bridgemsg.KindHandshake:
		var hs bridgemsg.Handshake
		if err := msg.DecodePayload(&hs); err != nil {
			s.reply(cl, s.proto.NewErrorResponse(msg, "invalid_handshake", err.Error(), nil))
			return
		}
		cl.setInfo(&hs.ClientInfo)
		s.reply(cl, s.proto.NewResponse(msg, bridgemsg.KindHandshake, bridgemsg.Handshake{
			ClientInfo:        s.info,
			ProtocolVersion:   bridgemsg.ProtocolVersion,
			SupportedFeatures: s.cfg.Features,
		}))
		slog.Info("peer handshake", "connId", cl.connID, "client", hs.ClientInfo.ClientName, "version", hs.ClientInfo.Version)

	case bridgemsg.KindPing:
		s.reply(cl, s.proto.NewPong(msg))

	case bridgemsg.KindPong:

	case bridgemsg.KindDisconnect:
		var d bridgemsg.Disconnect
		_ = msg.DecodePayload(&d)
		slog.Info("peer client leaving", "connId", cl.connID, "reason", d.Reason)
		s.handlers.Dispatch(ctx, msg)
		go cl.closeConnection(websocket.StatusGoingAway, "client disconnect")

	default:
		n := s.handlers.Dispatch(ctx, msg)
		if n == 0 && bridgemsg.RequiresResponse(msg.Kind) && !s.cfg.DisableAutoAck {
			s.reply(cl, s.proto.NewResponse(msg, msg.Kind, bridgemsg.Payload{"status": "ok", "handled": false}))
		}
	}
}

func (s *Server) reply(cl *client, msg *bridgemsg.Message) {
	if err := cl.enqueue(msg); err != nil {
		slog.Warn("peer reply", "connId", cl.connID, "kind", msg.Kind, "error", err)
	}
}

// Send queues msg for every client whose source equals msg.Target, or for
// all clients when the target is empty. It never waits for a response.
func (s *Server) Send(ctx context.Context, msg *bridgemsg.Message) (*bridgemsg.Message, error) {
	if err := bridgemsg.Check(msg); err != nil {
		return nil, fmt.Errorf("peer: invalid message: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return nil, ErrNoClients
	}

	sent := 0
	var errs []error
	for _, cl := range s.clients {
		if msg.Target != "" && cl.Source() != msg.Target {
			continue
		}
		if err := cl.enqueue(msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cl.connID, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, fmt.Errorf("%w %q", ErrNoRoute, msg.Target)
	}
	return nil, nil
}

// ClientStatus describes one connected client.
type ClientStatus struct {
	ConnID        string                `json:"conn_id"`
	Source        string                `json:"source"`
	RemoteIP      string                `json:"remote_ip"`
	Encoding      string                `json:"encoding"`
	ConnectedAtNs int64                 `json:"connected_at_ns"`
	Info          *bridgemsg.ClientInfo `json:"info,omitempty"`
}

func (s *Server) Clients() []ClientStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClientStatus, 0, len(s.clients))
	for _, cl := range s.clients {
		cl.mu.RLock()
		out = append(out, ClientStatus{
			ConnID:        cl.connID,
			Source:        cl.source,
			RemoteIP:      cl.remoteIP,
			Encoding:      cl.encoding.String(),
			ConnectedAtNs: cl.connected.UnixNano(),
			Info:          cl.info,
		})
		cl.mu.RUnlock()
	}
	return out
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown closes every client and waits for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	clients := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()

	for _, cl := range clients {
		go cl.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("peer shutdown")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
