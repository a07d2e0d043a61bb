package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding is the body format of a bridge frame.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

// Sent by the dialer with its preference list, answered with the pick.
const (
	HeaderEncodings = "X-Bridge-WS-Encodings"
	HeaderEncoding  = "X-Bridge-WS-Encoding"
)

var encodingNames = map[string]Encoding{
	"json":    EncodingJSON,
	"msgpack": EncodingMsgPack,
}

func (e Encoding) String() string {
	if e == EncodingMsgPack {
		return "msgpack"
	}
	return "json"
}

// Binary frames start with a 4 byte header: 'B' 'D' <version> <encoding>.
var envelopeMagic = [2]byte{'B', 'D'}

const (
	envelopeVersion = 1
	headerLen       = 4
)

var ErrBadEnvelope = errors.New("wsproto: bad binary envelope")

// PreferredEncoding returns the first known name in a comma separated list,
// falling back to JSON.
func PreferredEncoding(list string) Encoding {
	for _, name := range strings.Split(list, ",") {
		if enc, ok := encodingNames[strings.ToLower(strings.TrimSpace(name))]; ok {
			return enc
		}
	}
	return EncodingJSON
}

// Marshal frames msg. JSON goes out as a bare text frame so plain websocket
// peers can read it; msgpack goes out as an enveloped binary frame.
func Marshal(msg *bridgemsg.Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc != EncodingMsgPack {
		data, err := bridgemsg.Encode(msg)
		return websocket.MessageText, data, err
	}

	var buf bytes.Buffer
	buf.Write([]byte{envelopeMagic[0], envelopeMagic[1], envelopeVersion, byte(enc)})
	if err := msgpack.NewEncoder(&buf).Encode(msg); err != nil {
		return websocket.MessageBinary, nil, fmt.Errorf("wsproto: msgpack encode: %w", err)
	}
	return websocket.MessageBinary, buf.Bytes(), nil
}

// Unmarshal decodes a frame and reports the encoding it arrived in.
func Unmarshal(typ websocket.MessageType, data []byte) (*bridgemsg.Message, Encoding, error) {
	if typ == websocket.MessageText {
		msg, err := bridgemsg.Decode(data)
		return msg, EncodingJSON, err
	}
	if typ != websocket.MessageBinary {
		return nil, EncodingJSON, fmt.Errorf("wsproto: unsupported frame type %v", typ)
	}

	enc, body, err := openEnvelope(data)
	if err != nil {
		return nil, enc, err
	}
	if enc == EncodingJSON {
		msg, err := bridgemsg.Decode(body)
		return msg, enc, err
	}
	msg, err := decodeMsgpack(body)
	return msg, enc, err
}

func openEnvelope(data []byte) (Encoding, []byte, error) {
	if len(data) < headerLen || data[0] != envelopeMagic[0] || data[1] != envelopeMagic[1] {
		return EncodingMsgPack, nil, ErrBadEnvelope
	}
	if data[2] != envelopeVersion {
		return EncodingMsgPack, nil, fmt.Errorf("%w: version %d", ErrBadEnvelope, data[2])
	}
	enc := Encoding(data[3])
	if enc != EncodingJSON && enc != EncodingMsgPack {
		return enc, nil, fmt.Errorf("%w: encoding %d", ErrBadEnvelope, data[3])
	}
	return enc, data[headerLen:], nil
}

func decodeMsgpack(body []byte) (*bridgemsg.Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	dec.SetCustomStructTag("msgpack")

	var msg bridgemsg.Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("wsproto: msgpack decode: %w", err)
	}
	if msg.Kind != "" && !msg.Kind.IsKnown() {
		return nil, fmt.Errorf("%w: %q", bridgemsg.ErrUnknownKind, msg.Kind)
	}
	// msgpack yields sized ints; match what the JSON path decodes
	if msg.Payload != nil {
		msg.Payload = bridgemsg.NormalizePayload(msg.Payload)
	}
	return &msg, nil
}
