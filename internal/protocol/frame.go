// ABOUTME: Length-prefixed frame reader and writer for control channels.
// ABOUTME: Enforces the 64 KiB payload ceiling and serializes concurrent writers.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFramePayload is the largest accepted frame payload. A frame announcing
// a larger length is a fatal protocol error for the session.
const MaxFramePayload = 64 * 1024

// ErrFrameTooLarge indicates a frame whose announced length exceeds MaxFramePayload.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d byte payload limit", MaxFramePayload)

// ErrEmptyFrame indicates a frame with a zero-length payload. Every valid
// payload carries at least the message tag.
var ErrEmptyFrame = fmt.Errorf("frame with empty payload")

// FrameReader decodes control messages from a stream, one frame at a time.
// It is not safe for concurrent use; a session owns exactly one reader.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader returns a reader decoding frames from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadMessage reads one frame and decodes its message. It returns the
// underlying read error (including io.EOF) unwrapped so callers can
// distinguish a closed channel from a protocol violation.
func (fr *FrameReader) ReadMessage() (Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return Unmarshal(payload)
}

// FrameWriter encodes control messages onto a stream. Writes are serialized
// with a mutex so multiple producers never interleave frame bytes.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewFrameWriter returns a writer encoding frames onto w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage encodes m as one frame and writes it atomically.
func (fw *FrameWriter) WriteMessage(m Message) error {
	payload := Marshal(m)
	if len(payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, 4+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
