package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/denisbrodbeck/machineid"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/version"
	"github.com/openmined/deskbridge/internal/wsproto"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "disconnected"
	}
}

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

// session is everything tied to one live websocket connection.
type session struct {
	sock        *socket
	pending     *pendingTable
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	connectedAt time.Time
	dead        chan struct{} // closed when the listener has drained the socket
}

// Connector owns one logical connection to the remote peer.
type Connector struct {
	cfg      Config
	proto    *bridgemsg.Protocol
	handlers *bridgemsg.Handlers
	stats    *stats
	info     bridgemsg.ClientInfo

	mu       sync.Mutex
	state    State
	sess     *session
	attempts int
	peer     *bridgemsg.ClientInfo
	closed   bool

	lastPingNs atomic.Int64
	lastPongNs atomic.Int64

	root   context.Context
	cancel context.CancelFunc
	lost   chan struct{}

	dial  dialFunc
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a disconnected Connector.
func New(cfg Config) (*Connector, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, cancel := context.WithCancel(context.Background())
	return &Connector{
		cfg:      cfg,
		proto:    bridgemsg.NewProtocol(cfg.Source),
		handlers: bridgemsg.NewHandlers(),
		stats:    newStats(),
		info:     clientInfo(cfg),
		root:     root,
		cancel:   cancel,
		lost:     make(chan struct{}, 1),
		dial:     websocket.Dial,
		sleep:    sleepContext,
	}, nil
}

func clientInfo(cfg Config) bridgemsg.ClientInfo {
	id, err := machineid.ProtectedID(version.AppName)
	if err != nil {
		id, _ = os.Hostname()
	}
	return bridgemsg.ClientInfo{
		ClientName: version.AppName + "-" + cfg.Source,
		Version:    version.Version,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		MachineID:  id,
		Features:   cfg.Features,
	}
}

// Protocol is the message builder stamped with this connector's source.
func (c *Connector) Protocol() *bridgemsg.Protocol {
	return c.proto
}

// Target is the peer name outbound messages are addressed to.
func (c *Connector) Target() string {
	return c.cfg.Target
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) IsConnected() bool {
	return c.State() == Connected
}

// Attempts is the number of reconnect attempts since the last successful connect.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// AddHandler registers fn for inbound messages of kind that are not
// consumed as responses. Handlers run on the listener goroutine and must not
// block on a Send that waits for a response.
func (c *Connector) AddHandler(kind bridgemsg.Kind, fn bridgemsg.HandlerFunc) bridgemsg.HandlerID {
	return c.handlers.Add(kind, fn)
}

func (c *Connector) RemoveHandler(kind bridgemsg.Kind, id bridgemsg.HandlerID) bool {
	return c.handlers.Remove(kind, id)
}

// Connect dials the peer and performs the handshake. It reports whether the
// connector is connected afterwards and never blocks past the configured
// connect and handshake timeouts.
func (c *Connector) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.state == Connecting || c.state == Connected {
		ok := c.state == Connected
		c.mu.Unlock()
		return ok
	}
	c.state = Connecting
	c.mu.Unlock()

	c.stats.totalConnections.Add(1)
	sess, peer, err := c.open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.closed {
		err = ErrClosed
		go c.closeSession(sess)
	}
	if err == nil {
		select {
		case <-sess.dead:
			err = ErrConnectionLost
			sess.cancel()
		default:
		}
	}
	if err != nil {
		c.state = Disconnected
		c.stats.onFailed(err)
		slog.Warn("connector connect failed", "url", c.cfg.URL, "error", err)
		return false
	}

	c.sess = sess
	c.peer = peer
	c.state = Connected
	c.attempts = 0
	c.stats.onConnected()
	slog.Info("connector connected", "url", c.cfg.URL, "encoding", sess.sock.encoding, "peer", peer.ClientName)
	return true
}

func (c *Connector) open(ctx context.Context) (*session, *bridgemsg.ClientInfo, error) {
	header := http.Header{}
	if enc := wsproto.PreferredEncoding(c.cfg.Encoding); enc != wsproto.EncodingJSON {
		header.Set(wsproto.HeaderEncodings, enc.String()+",json")
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, resp, err := c.dial(dctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	dialErr := dctx.Err()
	cancel()
	if err != nil {
		if errors.Is(dialErr, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: %s after %s", ErrDialTimeout, c.cfg.URL, c.cfg.ConnectTimeout)
		}
		return nil, nil, fmt.Errorf("connector: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	enc := wsproto.EncodingJSON
	if resp != nil {
		enc = wsproto.PreferredEncoding(resp.Header.Get(wsproto.HeaderEncoding))
	}

	sctx, scancel := context.WithCancel(c.root)
	sess := &session{
		sock:        newSocket(conn, enc, c.cfg.WriteTimeout, c.stats),
		pending:     newPendingTable(),
		cancel:      scancel,
		connectedAt: time.Now(),
		dead:        make(chan struct{}),
	}
	sess.sock.start(sctx)
	sess.wg.Add(1)
	go c.listen(sctx, sess)

	peer, err := c.handshake(ctx, sess)
	if err != nil {
		c.closeSession(sess)
		return nil, nil, err
	}

	sess.wg.Add(1)
	go c.heartbeat(sctx, sess)
	return sess, peer, nil
}

func (c *Connector) handshake(ctx context.Context, sess *session) (*bridgemsg.ClientInfo, error) {
	msg := c.proto.NewHandshake(c.cfg.Target, c.info, c.cfg.Features)
	resp, err := c.request(ctx, sess, msg, c.cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if resp.Kind != bridgemsg.KindHandshake {
		return nil, fmt.Errorf("%w: peer replied with %s", ErrHandshakeFailed, resp.Kind)
	}

	var hs bridgemsg.Handshake
	if err := resp.DecodePayload(&hs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return &hs.ClientInfo, nil
}

// Disconnect closes a live connection gracefully. It is a no-op unless connected.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Closing
	sess := c.sess
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	if err := sess.sock.Write(ctx, c.proto.NewDisconnect(c.cfg.Target, "client_disconnect")); err != nil {
		slog.Debug("connector disconnect notice", "error", err)
	}
	cancel()

	c.closeSession(sess)

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.state = Disconnected
	c.mu.Unlock()
	c.stats.onDisconnected()
	slog.Info("connector disconnected", "url", c.cfg.URL)
}

// closeSession stops the background loops of sess and waits for them.
func (c *Connector) closeSession(sess *session) {
	sess.cancel()
	sess.sock.Close()
	sess.wg.Wait()
}

// Send writes msg to the peer. Kinds that require a response block until the
// correlated reply arrives, the response timeout passes or the connection drops.
func (c *Connector) Send(ctx context.Context, msg *bridgemsg.Message) (*bridgemsg.Message, error) {
	sess, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	if err := bridgemsg.Check(msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if bridgemsg.RequiresResponse(msg.Kind) {
		return c.request(ctx, sess, msg, c.cfg.ResponseTimeout)
	}
	return nil, c.write(ctx, sess, msg)
}

func (c *Connector) activeSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

func (c *Connector) write(ctx context.Context, sess *session, msg *bridgemsg.Message) error {
	if err := sess.sock.Write(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, msg.Kind, err)
	}
	return nil
}

func (c *Connector) request(ctx context.Context, sess *session, msg *bridgemsg.Message, timeout time.Duration) (*bridgemsg.Message, error) {
	ch, err := sess.pending.register(msg.ID)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, sess, msg); err != nil {
		sess.pending.forget(msg.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		sess.pending.forget(msg.ID)
		return nil, fmt.Errorf("%w: %s %s after %s", ErrResponseTimeout, msg.Kind, msg.ID, timeout)
	case <-ctx.Done():
		sess.pending.forget(msg.ID)
		return nil, ctx.Err()
	}
}

// listen processes inbound messages strictly in arrival order.
func (c *Connector) listen(ctx context.Context, sess *session) {
	defer sess.wg.Done()

	for msg := range sess.sock.msgRx {
		c.handleInbound(ctx, sess, msg)
	}

	sess.pending.failAll()
	close(sess.dead)
	c.connectionLost(sess)
}

func (c *Connector) handleInbound(ctx context.Context, sess *session, msg *bridgemsg.Message) {
	if err := bridgemsg.Check(msg); err != nil {
		c.stats.messagesDropped.Add(1)
		slog.Debug("connector drop invalid", "id", msg.ID, "kind", msg.Kind, "error", err)
		return
	}
	c.stats.messagesReceived.Add(1)

	if msg.CorrelationID != "" && sess.pending.resolve(msg) {
		return
	}

	switch msg.Kind {
	case bridgemsg.KindPing:
		if err := c.write(ctx, sess, c.proto.NewPong(msg)); err != nil {
			slog.Warn("connector pong", "error", err)
		}
	case bridgemsg.KindPong:
		c.lastPongNs.Store(time.Now().UnixNano())
	default:
		if c.handlers.Dispatch(ctx, msg) == 0 {
			slog.Debug("connector unhandled", "kind", msg.Kind, "id", msg.ID)
		}
	}
}

// connectionLost runs when the socket of sess closed on its own.
func (c *Connector) connectionLost(sess *session) {
	c.mu.Lock()
	if c.sess != sess || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = Disconnected
	c.mu.Unlock()

	sess.cancel()
	c.stats.onDisconnected()
	c.stats.setLastError(ErrConnectionLost)
	slog.Warn("connector connection lost", "url", c.cfg.URL)

	select {
	case c.lost <- struct{}{}:
	default:
	}
}

func (c *Connector) heartbeat(ctx context.Context, sess *session) {
	defer sess.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, sess, c.proto.NewPing(c.cfg.Target)); err != nil {
				slog.Warn("connector heartbeat stopped", "error", err)
				return
			}
			c.lastPingNs.Store(time.Now().UnixNano())
		}
	}
}

// Reconnect makes one backoff-delayed reconnect attempt. It returns false
// without dialing once the attempt budget is spent.
func (c *Connector) Reconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		slog.Warn("connector reconnect attempts exhausted", "attempts", attempts)
		return false
	}
	c.attempts++
	attempt := c.attempts
	stale := c.sess
	c.sess = nil
	if c.state == Connected {
		c.state = Disconnected
	}
	c.mu.Unlock()

	if stale != nil {
		c.closeSession(stale)
		c.stats.onDisconnected()
	}

	delay := BackoffDelay(attempt)
	slog.Info("connector reconnect", "attempt", attempt, "max", c.cfg.MaxReconnectAttempts, "delay", delay)
	if err := c.sleep(ctx, delay); err != nil {
		return false
	}
	return c.Connect(ctx)
}

// ConnectWithRetry connects, falling back to Reconnect until it succeeds,
// the attempt budget is spent or ctx ends.
func (c *Connector) ConnectWithRetry(ctx context.Context) bool {
	if c.Connect(ctx) {
		return true
	}
	for ctx.Err() == nil {
		if c.Reconnect(ctx) {
			return true
		}
		if c.Attempts() >= c.cfg.MaxReconnectAttempts {
			return false
		}
	}
	return false
}

// Run connects and supervises the connection until ctx ends or Close is
// called. With AutoReconnect it reconnects after unexpected losses.
func (c *Connector) Run(ctx context.Context) error {
	defer c.Disconnect()

	if !c.ConnectWithRetry(ctx) {
		if ctx.Err() != nil {
			return nil
		}
		return ErrRetryExhausted
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.root.Done():
			return nil
		case <-c.lost:
			if !c.cfg.AutoReconnect {
				return ErrConnectionLost
			}
			if !c.ConnectWithRetry(ctx) {
				if ctx.Err() != nil {
					return nil
				}
				return ErrRetryExhausted
			}
		}
	}
}

// Close disconnects and permanently stops the connector.
func (c *Connector) Close() {
	c.Disconnect()

	c.mu.Lock()
	c.closed = true
	sess := c.sess
	c.sess = nil
	c.state = Disconnected
	c.mu.Unlock()

	c.cancel()
	if sess != nil {
		c.closeSession(sess)
	}
}

// Status is a point-in-time snapshot of the connector.
type Status struct {
	State                string                 `json:"state"`
	URL                  string                 `json:"url"`
	Encoding             string                 `json:"encoding,omitempty"`
	ReconnectAttempts    int                    `json:"reconnect_attempts"`
	MaxReconnectAttempts int                    `json:"max_reconnect_attempts"`
	UptimeNs             int64                  `json:"uptime_ns,omitempty"`
	LastPingAtNs         int64                  `json:"last_ping_at_ns,omitempty"`
	LastPongAtNs         int64                  `json:"last_pong_at_ns,omitempty"`
	PendingResponses     int                    `json:"pending_responses"`
	Handlers             map[bridgemsg.Kind]int `json:"handlers"`
	Peer                 *bridgemsg.ClientInfo  `json:"peer,omitempty"`
	Stats                StatsSnapshot          `json:"stats"`
}

func (c *Connector) Status() Status {
	c.mu.Lock()
	st := Status{
		State:                c.state.String(),
		URL:                  c.cfg.URL,
		ReconnectAttempts:    c.attempts,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		Peer:                 c.peer,
	}
	if c.sess != nil {
		st.Encoding = c.sess.sock.encoding.String()
		st.UptimeNs = time.Since(c.sess.connectedAt).Nanoseconds()
		st.PendingResponses = c.sess.pending.len()
	}
	c.mu.Unlock()

	st.LastPingAtNs = c.lastPingNs.Load()
	st.LastPongAtNs = c.lastPongNs.Load()
	st.Handlers = c.handlers.Counts()
	st.Stats = c.stats.snapshot()
	return st
}
