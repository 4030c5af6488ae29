// Package codec implements the relay's wire framing: a 4-byte big-endian
// length prefix followed by a UTF-8 JSON object carrying a required "type"
// field. The envelope/payload-decoding shape follows the request/response
// pattern used for the IPC protocol in the example pack's agent-host bridge.
package codec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the hard cap on a single frame's JSON body (16 MiB).
const MaxFrameSize = 16 << 20

// Sentinel frame errors, surfaced by the daemon as protocol errors.
var (
	ErrFrameTooLarge  = errors.New("codec: frame exceeds maximum size")
	ErrFrameMalformed = errors.New("codec: frame body is not valid JSON or missing type")
	ErrFrameEmpty     = errors.New("codec: zero-length frame")
)

// Frame is a decoded wire frame: a typed JSON envelope.
type Frame struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// envelope is used only to pull the discriminant "type" field out of an
// otherwise-opaque JSON body without fully unmarshalling it twice.
type envelope struct {
	Type string `json:"type"`
}

// Encode writes a single frame: length prefix then the marshalled body.
func Encode(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("codec: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("codec: write frame body: %w", err)
	}
	return nil
}

// Decode reads exactly one frame from r, buffering partial reads as needed.
// r should be wrapped in a *bufio.Reader by the caller for streaming use;
// ReadFrame below does this for a raw io.Reader.
func Decode(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("codec: read frame body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		return nil, ErrFrameMalformed
	}

	return &Frame{Type: env.Type, Raw: body}, nil
}

// Reader wraps a buffered stream reader for repeated frame decoding.
type Reader struct {
	br *bufio.Reader
}

// NewReader builds a frame Reader over r, buffering partial reads across calls.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame reads the next frame, blocking until a full frame is buffered.
func (fr *Reader) ReadFrame() (*Frame, error) {
	return Decode(fr.br)
}

// DecodePayload unmarshals a frame's raw body into T, the way the pack's
// agent-host IPC bridge decodes typed request/response payloads.
func DecodePayload[T any](f *Frame) (T, error) {
	var payload T
	if err := json.Unmarshal(f.Raw, &payload); err != nil {
		var zero T
		return zero, fmt.Errorf("codec: decode %s payload: %w", f.Type, err)
	}
	return payload, nil
}
