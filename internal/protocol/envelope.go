package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedEnvelope = errors.New("malformed attachment envelope")

// Metadata describes the body of a VOICE or FILE payload.
type Metadata struct {
	Username string `json:"username"`
	Filename string `json:"filename"`
	FileType string `json:"filetype"`
}

// Kind returns the upper-cased file type, FILE when unset.
func (m Metadata) Kind() string {
	if m.FileType == "" {
		return KindFile
	}
	return strings.ToUpper(m.FileType)
}

// Name returns the filename, file.bin when unset.
func (m Metadata) Name() string {
	if m.Filename == "" {
		return "file.bin"
	}
	return m.Filename
}

// EncodeEnvelope builds [metaLength][metadata JSON][body].
func EncodeEnvelope(meta Metadata, body []byte) ([]byte, error) {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	out := make([]byte, 0, MetaLengthSize+len(metaBytes)+len(body))
	out = fmt.Appendf(out, "%0*d", MetaLengthSize, len(metaBytes))
	out = append(out, metaBytes...)
	out = append(out, body...)
	return out, nil
}

// DecodeEnvelope splits a VOICE/FILE payload into metadata and body.
//
// A length prefix that is missing, not decimal, or larger than the payload
// yields ErrMalformedEnvelope. Metadata that is not valid JSON decodes to an
// empty Metadata without error. The returned body aliases payload.
func DecodeEnvelope(payload []byte) (Metadata, []byte, error) {
	if len(payload) < MetaLengthSize {
		return Metadata{}, nil, fmt.Errorf("%w: %d byte payload", ErrMalformedEnvelope, len(payload))
	}

	metaLen, err := parseDecimal(payload[:MetaLengthSize])
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if metaLen > int64(len(payload)-MetaLengthSize) {
		return Metadata{}, nil, fmt.Errorf("%w: metadata length %d exceeds payload", ErrMalformedEnvelope, metaLen)
	}

	end := MetaLengthSize + int(metaLen)
	var meta Metadata
	if err := json.Unmarshal(payload[MetaLengthSize:end], &meta); err != nil {
		meta = Metadata{}
	}
	return meta, payload[end:], nil
}
