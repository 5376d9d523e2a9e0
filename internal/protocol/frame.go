package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrPayloadTooLarge = errors.New("payload length does not fit the length field")
	ErrBadLength       = errors.New("malformed length field")
)

// initialPayloadBuf bounds the up-front allocation for a payload. The
// declared length comes from the peer, so the buffer grows with the bytes
// that actually arrive instead.
const initialPayloadBuf = 64 * 1024

// Frame is one wire unit.
type Frame struct {
	Type    string
	Payload []byte
}

// NormalizeType pads tag with spaces or truncates it to TypeSize bytes.
// Any tag is accepted.
func NormalizeType(tag string) string {
	if len(tag) >= TypeSize {
		return tag[:TypeSize]
	}
	return tag + strings.Repeat(" ", TypeSize-len(tag))
}

// Encode returns the framed bytes for (tag, payload).
func Encode(tag string, payload []byte) ([]byte, error) {
	if int64(len(payload)) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, NormalizeType(tag)...)
	out = fmt.Appendf(out, "%0*d", LengthSize, len(payload))
	out = append(out, payload...)
	return out, nil
}

// WriteFrame writes one framed message to w in a single Write, so callers
// that serialize writes per connection never interleave partial frames.
func WriteFrame(w io.Writer, tag string, payload []byte) error {
	b, err := Encode(tag, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads exactly one frame from r.
//
// It returns io.EOF if r ends before any header byte and io.ErrUnexpectedEOF
// if it ends inside the header or the payload. There is no upper bound on
// the declared length: ReadFrame blocks until that many bytes arrive or r fails.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	tag := strings.TrimSpace(string(header[:TypeSize]))
	n, err := parseDecimal(header[TypeSize:])
	if err != nil {
		return Frame{}, err
	}

	var buf bytes.Buffer
	buf.Grow(int(min(n, initialPayloadBuf)))
	copied, err := io.CopyN(&buf, r, n)
	if err != nil {
		if errors.Is(err, io.EOF) && copied < n {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	return Frame{Type: tag, Payload: buf.Bytes()}, nil
}

// parseDecimal parses a fixed-width decimal field. Surrounding whitespace
// is tolerated, matching peers that space-pad instead of zero-pad.
func parseDecimal(field []byte) (int64, error) {
	s := strings.TrimSpace(string(field))
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadLength, field)
	}
	return n, nil
}
