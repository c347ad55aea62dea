package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameLength bounds the body of a single frame. A peer claiming a
// larger length is treated as malformed and the connection is closed.
const DefaultMaxFrameLength = 32 * 1024 * 1024 // 32 MB

// WriteFrame writes a single length-prefixed record: u32 BE length followed
// by body. The write is not itself synchronized; callers serialize writes
// to a given io.Writer (the secure channel adapter holds an output lock).
func WriteFrame(w io.Writer, body []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed record from r. EOF mid-record
// (after the length prefix has been read but before the body is complete)
// is reported as an error, never silently truncated. maxFrame of 0 uses
// DefaultMaxFrameLength.
func ReadFrame(r io.Reader, maxFrame uint32) ([]byte, error) {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameLength
	}

	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err // EOF here is a clean "no more frames", propagate as-is.
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrame {
		return nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", length, maxFrame)
	}

	body := make([]byte, length)
	if length == 0 {
		return body, nil
	}
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: short read for %d-byte frame: %w", length, err)
	}
	return body, nil
}

// EncodeFrame encodes msg and wraps it in a length-prefixed frame in one
// step, the shape most callers (the secure channel adapter) actually need.
func EncodeFrame(msg Message) ([]byte, error) {
	body, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}
