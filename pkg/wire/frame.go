// Package wire implements the length-prefixed framing used on every
// connection: a 4-byte big-endian length followed by a UTF-8 JSON payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a peer may send. Larger lengths are
// treated as a malformed stream, not an allocation request.
const MaxFrameSize = 10 * 1024 * 1024

var (
	// ErrClosed reports a peer that closed the stream at a frame boundary.
	ErrClosed = errors.New("wire: connection closed")
	// ErrTruncated reports a stream that ended inside a frame.
	ErrTruncated = errors.New("wire: stream truncated mid-frame")
	// ErrFrameTooLarge reports a length prefix above MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds 10 MiB limit")
)

// ReadFrame reads one complete frame from r and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("wire: read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload as a single frame. The header and payload are
// written in one Write call so a frame is never interleaved with another
// writer's output.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadJSON reads one frame and unmarshals it into v.
func ReadJSON(r io.Reader, v any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode frame: %w", err)
	}
	return nil
}

// WriteJSON marshals v and writes it as one frame.
func WriteJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	return WriteFrame(w, payload)
}
