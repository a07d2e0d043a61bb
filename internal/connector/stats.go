package connector

import (
	"sync/atomic"
	"time"
)

// stats tracks connection telemetry across reconnects.
type stats struct {
	totalConnections      atomic.Int64
	successfulConnections atomic.Int64
	failedConnections     atomic.Int64
	disconnects           atomic.Int64
	messagesSent          atomic.Int64
	messagesReceived      atomic.Int64
	messagesDropped       atomic.Int64
	bytesSent             atomic.Int64
	bytesRecv             atomic.Int64
	lastSentNs            atomic.Int64
	lastRecvNs            atomic.Int64
	connectedAtNs         atomic.Int64
	disconnAtNs           atomic.Int64
	lastErrorValue        atomic.Value // string
}

func newStats() *stats {
	s := &stats{}
	s.lastErrorValue.Store("")
	return s
}

func (s *stats) onConnected() {
	s.successfulConnections.Add(1)
	s.connectedAtNs.Store(time.Now().UnixNano())
}

func (s *stats) onDisconnected() {
	s.disconnects.Add(1)
	s.disconnAtNs.Store(time.Now().UnixNano())
}

func (s *stats) onFailed(err error) {
	s.failedConnections.Add(1)
	s.setLastError(err)
}

func (s *stats) onSend(n int) {
	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(n))
	s.lastSentNs.Store(time.Now().UnixNano())
}

func (s *stats) onRecv(n int) {
	s.bytesRecv.Add(int64(n))
	s.lastRecvNs.Store(time.Now().UnixNano())
}

func (s *stats) setLastError(err error) {
	if err == nil {
		return
	}
	s.lastErrorValue.Store(err.Error())
}

// StatsSnapshot is a JSON-friendly view of connection counters.
type StatsSnapshot struct {
	TotalConnections      int64  `json:"total_connections"`
	SuccessfulConnections int64  `json:"successful_connections"`
	FailedConnections     int64  `json:"failed_connections"`
	Disconnects           int64  `json:"disconnects"`
	MessagesSent          int64  `json:"messages_sent"`
	MessagesReceived      int64  `json:"messages_received"`
	MessagesDropped       int64  `json:"messages_dropped"`
	BytesSentTotal        int64  `json:"bytes_sent_total"`
	BytesRecvTotal        int64  `json:"bytes_recv_total"`
	ConnectedAtNs         int64  `json:"connected_at_ns,omitempty"`
	DisconnectedAtNs      int64  `json:"disconnected_at_ns,omitempty"`
	LastSentAtNs          int64  `json:"last_sent_at_ns,omitempty"`
	LastRecvAtNs          int64  `json:"last_recv_at_ns,omitempty"`
	LastError             string `json:"last_error,omitempty"`
}

func (s *stats) snapshot() StatsSnapshot {
	lastErr, _ := s.lastErrorValue.Load().(string)
	return StatsSnapshot{
		TotalConnections:      s.totalConnections.Load(),
		SuccessfulConnections: s.successfulConnections.Load(),
		FailedConnections:     s.failedConnections.Load(),
		Disconnects:           s.disconnects.Load(),
		MessagesSent:          s.messagesSent.Load(),
		MessagesReceived:      s.messagesReceived.Load(),
		MessagesDropped:       s.messagesDropped.Load(),
		BytesSentTotal:        s.bytesSent.Load(),
		BytesRecvTotal:        s.bytesRecv.Load(),
		ConnectedAtNs:         s.connectedAtNs.Load(),
		DisconnectedAtNs:      s.disconnAtNs.Load(),
		LastSentAtNs:          s.lastSentNs.Load(),
		LastRecvAtNs:          s.lastRecvNs.Load(),
		LastError:             lastErr,
	}
}
