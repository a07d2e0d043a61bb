package bridgemsg

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is advertised in handshakes and protocol stats.
const ProtocolVersion = "1.0.0"

// TimeLayout is the timestamp layout used on the wire (microsecond precision, UTC offset).
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

var (
	ErrUnknownKind    = errors.New("bridgemsg: unknown message kind")
	ErrMissingKind    = errors.New("bridgemsg: message kind is missing")
	ErrMissingPayload = errors.New("bridgemsg: payload is missing")
	ErrMissingID      = errors.New("bridgemsg: message id is missing")
	ErrBadTimestamp   = errors.New("bridgemsg: invalid timestamp")

	// ErrNoLink is wrapped by messengers that have no live peer to send to.
	ErrNoLink = errors.New("bridgemsg: no live link to the peer")
)

// accepted when parsing peer timestamps, including naive local ISO-8601
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Payload is the structured body of a message.
type Payload map[string]any

// Message is the envelope exchanged between the two bridge processes.
type Message struct {
	Kind          Kind    `json:"message_type" msgpack:"message_type"`
	Payload       Payload `json:"payload" msgpack:"payload"`
	ID            string  `json:"message_id" msgpack:"message_id"`
	Timestamp     string  `json:"timestamp" msgpack:"timestamp"`
	Source        string  `json:"source" msgpack:"source"`
	Target        string  `json:"target" msgpack:"target"`
	CorrelationID string  `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
}

// CreatedAt parses the message timestamp.
func (m *Message) CreatedAt() (time.Time, error) {
	return ParseTime(m.Timestamp)
}

// DecodePayload views the payload as the typed struct v points to.
func (m *Message) DecodePayload(v any) error {
	raw, err := jsonMarshal(m.Payload)
	if err != nil {
		return fmt.Errorf("bridgemsg: encode %s payload: %w", m.Kind, err)
	}
	if err := jsonUnmarshal(raw, v); err != nil {
		return fmt.Errorf("bridgemsg: decode %s payload: %w", m.Kind, err)
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Kind, m.ID)
}

// Encode serialises a message to its JSON wire form.
func Encode(m *Message) ([]byte, error) {
	return jsonMarshal(m)
}

// Decode parses a JSON frame. Unknown non-empty kinds are rejected; an empty
// kind decodes and is left for Validate to refuse.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := jsonUnmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bridgemsg: decode: %w", err)
	}
	if m.Kind != "" && !m.Kind.IsKnown() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return &m, nil
}

// Check returns the first structural problem with m, or nil.
func Check(m *Message) error {
	if m == nil {
		return ErrMissingKind
	}
	if m.Kind == "" {
		return ErrMissingKind
	}
	if !m.Kind.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if len(m.Payload) == 0 {
		return ErrMissingPayload
	}
	if m.ID == "" {
		return ErrMissingID
	}
	if _, err := ParseTime(m.Timestamp); err != nil {
		return err
	}
	return nil
}

// Validate is the admission gate for messages in both directions.
func Validate(m *Message) bool {
	return Check(m) == nil
}

// FormatTime renders t in the wire layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a wire timestamp. A trailing Z is accepted as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrBadTimestamp)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}
