package connector

import (
	"errors"
	"fmt"

	"github.com/openmined/deskbridge/internal/bridgemsg"
)

var (
	ErrDialTimeout     = errors.New("connector: dial timed out")
	ErrConnectionLost  = errors.New("connector: connection lost")
	ErrHandshakeFailed = errors.New("connector: handshake failed")
	ErrNotConnected    = fmt.Errorf("connector: not connected: %w", bridgemsg.ErrNoLink)
	ErrInvalidMessage  = errors.New("connector: invalid message")
	ErrSendFailed      = errors.New("connector: send failed")
	ErrResponseTimeout = errors.New("connector: response timed out")
	ErrClosed          = errors.New("connector: closed")
	ErrRetryExhausted  = errors.New("connector: reconnect attempts exhausted")
)
