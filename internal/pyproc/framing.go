package pyproc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize guards against a corrupt length prefix
const MaxFrameSize = 64 << 20

// Request is the envelope written to the subprocess
type Request struct {
	Seq     uint64 `msgpack:"seq"`
	Op      string `msgpack:"op"`
	Payload any    `msgpack:"payload,omitempty"`
}

// Response is the envelope read back. Result is decoded by the caller.
type Response struct {
	Seq    uint64             `msgpack:"seq"`
	Error  string             `msgpack:"error,omitempty"`
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
}

// WriteFrame encodes v as msgpack behind a 4-byte big-endian length prefix
func WriteFrame(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its raw body
func ReadFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body (%d bytes): %w", n, err)
	}
	return body, nil
}
