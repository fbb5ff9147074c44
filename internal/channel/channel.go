// Package channel moves whole payloads to and from named, single-use byte
// channels: named pipes or plain files identified by a path.
//
// A channel is opened, fully drained or fully written, and closed. Nothing
// here seeks or asks for a size, so pipes and regular files behave the same.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the read size used by Drain. Large documents are common, so
// the chunk is big enough to keep the syscall count low.
const ChunkSize = 1 << 20

// Drain opens path for reading and returns everything until end-of-input.
func Drain(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening channel %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	b, err := drain(f)
	if err != nil {
		return nil, fmt.Errorf("reading channel %s: %w", path, err)
	}
	return b, nil
}

func drain(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, ChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Emit opens path for writing, creating or truncating it, and writes the
// payload in one call. Partial writes are not retried.
func Emit(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening channel %s: %w", path, err)
	}
	_, err = f.Write(payload)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("writing channel %s: %w", path, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing channel %s: %w", path, err)
	}
	return nil
}
