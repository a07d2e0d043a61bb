package connector

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

const socketChannelSize = 64

type outbound struct {
	msg  *bridgemsg.Message
	done chan error
}

// socket owns one websocket connection. The write loop is the only
// goroutine that writes to conn.
type socket struct {
	conn         *websocket.Conn
	encoding     wsproto.Encoding
	writeTimeout time.Duration
	stats        *stats

	msgRx     chan *bridgemsg.Message // decoded frames, closed once both loops exit
	msgTx     chan outbound
	closing   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSocket(conn *websocket.Conn, enc wsproto.Encoding, writeTimeout time.Duration, st *stats) *socket {
	return &socket{
		conn:         conn,
		encoding:     enc,
		writeTimeout: writeTimeout,
		stats:        st,
		msgRx:        make(chan *bridgemsg.Message, socketChannelSize),
		msgTx:        make(chan outbound),
		closing:      make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

func (s *socket) start(ctx context.Context) {
	s.wg.Add(2)
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
}

// Write hands msg to the write loop and waits for the result.
func (s *socket) Write(ctx context.Context, msg *bridgemsg.Message) error {
	done := make(chan error, 1)
	select {
	case s.msgTx <- outbound{msg: msg, done: done}:
	case <-s.closing:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-s.closed:
		select {
		case err := <-done:
			return err
		default:
			return ErrConnectionLost
		}
	}
}

func (s *socket) Close() {
	s.closeConnection(websocket.StatusNormalClosure, "disconnect")
}

func (s *socket) closeConnection(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closing)
		if status == websocket.StatusNormalClosure {
			s.conn.Close(status, reason)
		} else {
			s.conn.CloseNow()
		}
		s.wg.Wait()
		close(s.closed)
		close(s.msgRx)
	})
}

func (s *socket) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("connector socket reader shutdown")
		s.wg.Done()
		s.closeConnection(websocket.StatusGoingAway, "read loop ended")
	}()

	for {
		typ, raw, err := s.conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("connector socket RECV", "error", err)
			}
			return
		}
		s.stats.onRecv(len(raw))

		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			s.stats.messagesDropped.Add(1)
			slog.Warn("connector socket RECV decode", "error", err)
			continue
		}

		select {
		case s.msgRx <- msg:
		case <-s.closing:
			return
		}
	}
}

func (s *socket) writeLoop(ctx context.Context) {
	defer func() {
		slog.Debug("connector socket writer shutdown")
		s.wg.Done()
		s.closeConnection(websocket.StatusGoingAway, "write loop ended")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.closing:
			return

		case out := <-s.msgTx:
			typ, payload, err := wsproto.Marshal(out.msg, s.encoding)
			if err != nil {
				out.done <- err
				continue
			}

			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err = s.conn.Write(wctx, typ, payload)
			cancel()

			if err != nil {
				slog.Error("connector socket SEND", "kind", out.msg.Kind, "error", err)
				out.done <- err
				return
			}
			s.stats.onSend(len(payload))
			slog.Debug("connector socket SEND", "kind", out.msg.Kind, "id", out.msg.ID)
			out.done <- nil
		}
	}
}

func isExpectedCloseError(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
