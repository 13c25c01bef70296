package wire

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

// EncodeBinary renders bytes in the transport-safe form hosts send.
func EncodeBinary(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBinary reverses EncodeBinary. It also accepts a data URL
// ("data:image/png;base64,...") and unpadded or URL-safe base64, returning
// the mime type when the payload names one.
func DecodeBinary(s string) ([]byte, string, error) {
	var mime string
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: data url has no payload separator", schemas.ErrProtocol)
		}
		meta := s[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: data url is not base64 encoded", schemas.ErrProtocol)
		}
		mime = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, mime, nil
		}
	}
	return nil, "", fmt.Errorf("%w: binary payload is not valid base64", schemas.ErrProtocol)
}

// BinaryPayload is the object form of a binary result on the wire.
type BinaryPayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType,omitempty"`
}

// NewBinaryPayload wraps raw bytes for a reply.
func NewBinaryPayload(b []byte, mimeType string) BinaryPayload {
	return BinaryPayload{Data: EncodeBinary(b), MimeType: mimeType}
}
