package bridgemsg

import (
	"time"

	"github.com/google/uuid"
)

// Protocol builds messages stamped with one process's source name.
type Protocol struct {
	source string
	now    func() time.Time
}

// NewProtocol returns a Protocol for the given source.
func NewProtocol(source string) *Protocol {
	return &Protocol{source: source, now: time.Now}
}

// Source is the name written into every message this Protocol builds.
func (p *Protocol) Source() string {
	return p.source
}

// New builds a message with a fresh id and the current timestamp.
// payload may be a Payload, a map or any JSON-encodable struct.
func (p *Protocol) New(kind Kind, payload any, target, correlationID string) *Message {
	return &Message{
		Kind:          kind,
		Payload:       toPayload(payload),
		ID:            uuid.NewString(),
		Timestamp:     FormatTime(p.now()),
		Source:        p.source,
		Target:        target,
		CorrelationID: correlationID,
	}
}

// NewResponse builds a reply correlated with original and addressed to its sender.
func (p *Protocol) NewResponse(original *Message, kind Kind, payload any) *Message {
	return p.New(kind, payload, original.Source, original.ID)
}

// NewErrorResponse wraps an error code and text into an error reply to original.
func (p *Protocol) NewErrorResponse(original *Message, code, text string, details map[string]any) *Message {
	info := ErrorInfo{
		Code:            code,
		Message:         text,
		OriginalMessage: original,
		Details:         details,
	}
	return p.NewResponse(original, KindError, info)
}

// NewPing builds a heartbeat ping.
func (p *Protocol) NewPing(target string) *Message {
	return p.New(KindPing, Heartbeat{Timestamp: FormatTime(p.now())}, target, "")
}

// NewPong answers ping.
func (p *Protocol) NewPong(ping *Message) *Message {
	return p.NewResponse(ping, KindPong, Heartbeat{Timestamp: FormatTime(p.now())})
}

func (p *Protocol) NewHandshake(target string, info ClientInfo, features []string) *Message {
	return p.New(KindHandshake, Handshake{
		ClientInfo:        info,
		ProtocolVersion:   ProtocolVersion,
		SupportedFeatures: features,
	}, target, "")
}

func (p *Protocol) NewDisconnect(target, reason string) *Message {
	return p.New(KindDisconnect, Disconnect{Reason: reason, Timestamp: FormatTime(p.now())}, target, "")
}

func (p *Protocol) NewProjectSwitch(target, projectID string, context map[string]any) *Message {
	return p.New(KindProjectSwitch, ProjectSwitch{
		ProjectID:      projectID,
		ProjectContext: context,
		Timestamp:      FormatTime(p.now()),
	}, target, "")
}

// NewTask builds one of the task_* kinds around free-form task data.
func (p *Protocol) NewTask(kind Kind, target string, data map[string]any) *Message {
	payload := Payload{"timestamp": FormatTime(p.now())}
	for k, v := range data {
		payload[k] = v
	}
	return p.New(kind, payload, target, "")
}

func (p *Protocol) NewFileChange(target string, change FileChange) *Message {
	if change.Timestamp == "" {
		change.Timestamp = FormatTime(p.now())
	}
	return p.New(KindFileChange, change, target, "")
}

func (p *Protocol) NewFileSync(target string, fs FileSync) *Message {
	if fs.Timestamp == "" {
		fs.Timestamp = FormatTime(p.now())
	}
	return p.New(KindFileSync, fs, target, "")
}

func (p *Protocol) NewFileConflict(target string, fc FileConflict) *Message {
	if fc.Timestamp == "" {
		fc.Timestamp = FormatTime(p.now())
	}
	return p.New(KindFileConflict, fc, target, "")
}

func (p *Protocol) NewNotification(target string, n Notification) *Message {
	if n.Level == "" {
		n.Level = "info"
	}
	if n.Timestamp == "" {
		n.Timestamp = FormatTime(p.now())
	}
	return p.New(KindNotification, n, target, "")
}

// Stats describes the protocol spoken by this process.
type Stats struct {
	ProtocolVersion string `json:"protocol_version"`
	Source          string `json:"source"`
	SupportedKinds  []Kind `json:"supported_message_types"`
	KindCount       int    `json:"message_type_count"`
}

func (p *Protocol) Stats() Stats {
	kinds := Kinds()
	return Stats{
		ProtocolVersion: ProtocolVersion,
		Source:          p.source,
		SupportedKinds:  kinds,
		KindCount:       len(kinds),
	}
}

// NormalizePayload rewrites p into the value types a JSON decode produces
// (float64 numbers, map[string]any objects, []any arrays), so a payload
// compares equal to itself after a trip over the wire.
func NormalizePayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	return toPayload(p)
}

func toPayload(v any) Payload {
	if v == nil {
		return Payload{}
	}
	raw, err := jsonMarshal(v)
	if err == nil {
		var out Payload
		if err := jsonUnmarshal(raw, &out); err == nil && out != nil {
			return out
		}
	}
	switch t := v.(type) {
	case Payload:
		return t
	case map[string]any:
		return Payload(t)
	}
	return Payload{"data": v}
}
