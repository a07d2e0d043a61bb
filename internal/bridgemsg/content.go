package bridgemsg

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// EncodingBase64 marks content that is not valid UTF-8 text.
const EncodingBase64 = "base64"

// EncodeContent returns data as a wire string and the encoding it needs.
func EncodeContent(data []byte) (string, string) {
	if utf8.Valid(data) {
		return string(data), ""
	}
	return base64.StdEncoding.EncodeToString(data), EncodingBase64
}

// DecodeContent reverses EncodeContent.
func DecodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf-8", "utf8", "text":
		return []byte(content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("bridgemsg: decode base64 content: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("bridgemsg: unsupported content encoding %q", encoding)
	}
}
