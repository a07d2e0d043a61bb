package bridgemsg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUniqueIDs(t *testing.T) {
	p := NewProtocol("cli")
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		m := p.New(KindNotification, Payload{"n": i}, "desktop", "")
		_, dup := seen[m.ID]
		require.False(t, dup, "duplicate id %s", m.ID)
		seen[m.ID] = struct{}{}
		assert.True(t, Validate(m))
	}
}

func TestNewResponse(t *testing.T) {
	cli := NewProtocol("cli")
	desk := NewProtocol("desktop")

	req := cli.New(KindProjectList, Payload{"all": true}, "desktop", "")
	resp := desk.NewResponse(req, KindProjectList, Payload{"projects": []string{"a"}})

	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, "cli", resp.Target)
	assert.Equal(t, "desktop", resp.Source)
	assert.NotEqual(t, req.ID, resp.ID)
}

func TestNewErrorResponse(t *testing.T) {
	p := NewProtocol("desktop")
	req := NewProtocol("cli").New(KindTaskCreate, Payload{"title": "x"}, "desktop", "")

	resp := p.NewErrorResponse(req, "E_TASK", "bad task", map[string]any{"field": "title"})
	require.Equal(t, KindError, resp.Kind)
	assert.Equal(t, req.ID, resp.CorrelationID)

	var info ErrorInfo
	require.NoError(t, resp.DecodePayload(&info))
	assert.Equal(t, "E_TASK", info.Code)
	assert.Equal(t, "bad task", info.Message)
	assert.Equal(t, "title", info.Details["field"])
	require.NotNil(t, info.OriginalMessage)
	assert.Equal(t, req.ID, info.OriginalMessage.ID)
	assert.Equal(t, KindTaskCreate, info.OriginalMessage.Kind)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := NewProtocol("cli")
	content := "hello\n"
	orig := p.NewFileChange("desktop", FileChange{
		FilePath:   "docs/readme.md",
		ChangeType: "modified",
		Content:    &content,
		Checksum:   "abc",
		Writer:     "cli",
	})
	orig.CorrelationID = "corr-1"

	data, err := Encode(orig)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, orig.Kind, got.Kind)
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Timestamp, got.Timestamp)
	assert.Equal(t, orig.Source, got.Source)
	assert.Equal(t, orig.Target, got.Target)
	assert.Equal(t, orig.CorrelationID, got.CorrelationID)
	assert.Equal(t, orig.Payload, got.Payload)

	var fc FileChange
	require.NoError(t, got.DecodePayload(&fc))
	require.NotNil(t, fc.Content)
	assert.Equal(t, content, *fc.Content)
}

func TestRoundTripNumericAndNestedPayload(t *testing.T) {
	p := NewProtocol("cli")
	orig := p.New(KindTaskCreate, Payload{
		"title":    "x",
		"priority": 3,
		"weight":   int64(7),
		"ratio":    0.5,
		"tags":     []string{"a", "b"},
		"meta":     map[string]any{"depth": 2, "inner": Payload{"ok": true}},
	}, "desktop", "")

	assert.Equal(t, float64(3), orig.Payload["priority"])

	data, err := Encode(orig)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	task := p.NewTask(KindTaskUpdate, "desktop", map[string]any{"progress": 40})
	data, err = Encode(task)
	require.NoError(t, err)
	got, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestNormalizePayload(t *testing.T) {
	assert.Equal(t, Payload{}, NormalizePayload(nil))
	assert.Equal(t, Payload{"n": float64(1), "l": []any{float64(2)}},
		NormalizePayload(Payload{"n": int8(1), "l": []int{2}}))
}

func TestEncodeUsesWireFieldNames(t *testing.T) {
	m := NewProtocol("cli").NewPing("desktop")
	data, err := Encode(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, jsonUnmarshal(data, &raw))
	assert.Equal(t, "ping", raw["message_type"])
	for _, key := range []string{"payload", "message_id", "timestamp", "source", "target"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, "correlation_id")
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"message_type":"teleport","payload":{"a":1},"message_id":"x","timestamp":"2024-01-01T00:00:00Z"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestValidate(t *testing.T) {
	good := func() *Message {
		return NewProtocol("cli").New(KindStatusUpdate, Payload{"ok": true}, "", "")
	}

	assert.True(t, Validate(good()))

	m := good()
	m.Kind = ""
	assert.False(t, Validate(m))
	assert.ErrorIs(t, Check(m), ErrMissingKind)

	m = good()
	m.Payload = Payload{}
	assert.False(t, Validate(m))
	assert.ErrorIs(t, Check(m), ErrMissingPayload)

	m = good()
	m.ID = ""
	assert.False(t, Validate(m))
	assert.ErrorIs(t, Check(m), ErrMissingID)

	m = good()
	m.Timestamp = "yesterday"
	assert.False(t, Validate(m))
	assert.ErrorIs(t, Check(m), ErrBadTimestamp)

	assert.False(t, Validate(nil))
}

func TestParseTimeLayouts(t *testing.T) {
	for _, s := range []string{
		"2024-05-01T10:20:30.123456+00:00",
		"2024-05-01T10:20:30Z",
		"2024-05-01T10:20:30.123456",
		"2024-05-01 10:20:30",
	} {
		ts, err := ParseTime(s)
		require.NoError(t, err, s)
		assert.Equal(t, 2024, ts.Year())
	}

	now := time.Date(2024, 5, 1, 10, 20, 30, 123456000, time.UTC)
	ts, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, now.Equal(ts))
}

func TestRequiresResponse(t *testing.T) {
	for _, k := range []Kind{KindHandshake, KindProjectSwitch, KindProjectStatus, KindProjectList, KindTaskCreate, KindTaskList} {
		assert.True(t, RequiresResponse(k), k)
	}
	for _, k := range []Kind{KindPing, KindPong, KindFileChange, KindTaskUpdate, KindNotification} {
		assert.False(t, RequiresResponse(k), k)
	}
}

func TestStats(t *testing.T) {
	s := NewProtocol("cli").Stats()
	assert.Equal(t, ProtocolVersion, s.ProtocolVersion)
	assert.Equal(t, 22, s.KindCount)
	assert.Len(t, s.SupportedKinds, 22)
}

func TestContentEncoding(t *testing.T) {
	s, enc := EncodeContent([]byte("plain text"))
	assert.Equal(t, "plain text", s)
	assert.Empty(t, enc)

	bin := []byte{0xff, 0xfe, 0x00, 0x01}
	s, enc = EncodeContent(bin)
	assert.Equal(t, EncodingBase64, enc)
	back, err := DecodeContent(s, enc)
	require.NoError(t, err)
	assert.Equal(t, bin, back)

	_, err = DecodeContent("x", "rot13")
	assert.Error(t, err)
}

func TestHandlersOrderAndIsolation(t *testing.T) {
	h := NewHandlers()
	var calls []string

	h.Add(KindTaskUpdate, func(ctx context.Context, m *Message) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	h.Add(KindTaskUpdate, func(ctx context.Context, m *Message) error {
		calls = append(calls, "second")
		panic("kaboom")
	})
	third := h.Add(KindTaskUpdate, func(ctx context.Context, m *Message) error {
		calls = append(calls, "third")
		return nil
	})

	msg := NewProtocol("desktop").NewTask(KindTaskUpdate, "cli", map[string]any{"id": "t1"})
	n := h.Dispatch(context.Background(), msg)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "third"}, calls)

	assert.True(t, h.Remove(KindTaskUpdate, third))
	assert.False(t, h.Remove(KindTaskUpdate, third))
	assert.Equal(t, 2, h.Counts()[KindTaskUpdate])
	assert.False(t, h.Has(KindTaskList))
}
