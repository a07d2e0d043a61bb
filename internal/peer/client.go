package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/wsproto"
)

const clientChannelSize = 256

// client is one connected bridge process.
type client struct {
	connID    string
	remoteIP  string
	encoding  wsproto.Encoding
	connected time.Time

	mu     sync.RWMutex
	source string
	info   *bridgemsg.ClientInfo

	conn      *websocket.Conn
	msgTx     chan *bridgemsg.Message
	closing   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newClient(connID string, conn *websocket.Conn, enc wsproto.Encoding, remoteIP string) *client {
	return &client{
		connID:    connID,
		remoteIP:  remoteIP,
		encoding:  enc,
		connected: time.Now(),
		conn:      conn,
		msgTx:     make(chan *bridgemsg.Message, clientChannelSize),
		closing:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (c *client) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

func (c *client) setSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source == "" {
		c.source = source
	}
}

func (c *client) setInfo(info *bridgemsg.ClientInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
}

// enqueue queues msg for the write loop without blocking.
func (c *client) enqueue(msg *bridgemsg.Message) error {
	select {
	case <-c.closing:
		return ErrClientClosed
	default:
	}
	select {
	case c.msgTx <- msg:
		return nil
	case <-c.closing:
		return ErrClientClosed
	default:
		return ErrQueueFull
	}
}

func (c *client) Close() {
	c.closeConnection(websocket.StatusNormalClosure, "shutdown")
}

func (c *client) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closing)
		if status == websocket.StatusNormalClosure {
			c.conn.Close(status, reason)
		} else {
			c.conn.CloseNow()
		}
		c.wg.Wait()
		close(c.closed)
		slog.Debug("peer client closed", "connId", c.connID)
	})
}

// readLoop hands each decoded frame to handle in arrival order.
func (c *client) readLoop(ctx context.Context, handle func(context.Context, *client, *bridgemsg.Message)) {
	defer func() {
		slog.Debug("peer client reader shutdown", "connId", c.connID)
		c.wg.Done()
		c.closeConnection(websocket.StatusGoingAway, "reader done")
	}()

	for {
		typ, raw, err := c.conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("peer client reader", "connId", c.connID, "error", err)
			}
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			slog.Warn("peer client decode", "connId", c.connID, "error", err)
			continue
		}
		handle(ctx, c, msg)
	}
}

func (c *client) writeLoop(ctx context.Context, writeTimeout time.Duration) {
	defer func() {
		slog.Debug("peer client writer shutdown", "connId", c.connID)
		c.wg.Done()
		c.closeConnection(websocket.StatusGoingAway, "writer done")
	}()

	for {
		select {
		case msg := <-c.msgTx:
			typ, payload, err := wsproto.Marshal(msg, c.encoding)
			if err != nil {
				slog.Error("peer client encode", "connId", c.connID, "kind", msg.Kind, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(wctx, typ, payload)
			cancel()
			if err != nil {
				slog.Error("peer client writer", "connId", c.connID, "kind", msg.Kind, "error", err)
				return
			}
			slog.Debug("peer client writer", "connId", c.connID, "kind", msg.Kind, "id", msg.ID)

		case <-c.closing:
			return

		case <-ctx.Done():
			return
		}
	}
}

func isExpectedCloseError(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
