// Package wire defines the byte formats exchanged between the dispatcher and
// its workers over pipes.
//
// Job stream: each frame is a 2-byte big-endian length followed by the file
// name. A zero-length frame is the shutdown sentinel; no real file has an
// empty name, so the two can never collide.
//
// Result stream: one newline-terminated token per finished job.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxNameLength is the hard upper bound of a job frame payload.
const MaxNameLength = 4096

const headerSize = 2

var (
	// ErrNameTooLong is returned for names above MaxNameLength.
	ErrNameTooLong = errors.New("job name too long")
	// ErrEmptyName is returned when a job with no name is written.
	ErrEmptyName = errors.New("job name is empty")
)

// EncodeJob returns the frame for a single file name.
func EncodeJob(name string) ([]byte, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if len(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	buf := make([]byte, headerSize+len(name))
	binary.BigEndian.PutUint16(buf, uint16(len(name)))
	copy(buf[headerSize:], name)
	return buf, nil
}

// EncodeShutdown returns the shutdown sentinel frame.
func EncodeShutdown() []byte {
	return make([]byte, headerSize)
}

// WriteJob writes one job frame with a single Write call so that frames from
// one writer never interleave.
func WriteJob(w io.Writer, name string) error {
	frame, err := EncodeJob(name)
	if err != nil {
		return err
	}
	return writeFull(w, frame)
}

// WriteShutdown writes the shutdown sentinel.
func WriteShutdown(w io.Writer) error {
	return writeFull(w, EncodeShutdown())
}

// ReadJob reads the next frame. It returns shutdown=true for the sentinel.
// A clean end of stream before any header byte is reported as io.EOF.
func ReadJob(r io.Reader) (name string, shutdown bool, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", false, fmt.Errorf("truncated job header: %w", err)
		}
		return "", false, err
	}
	n := int(binary.BigEndian.Uint16(header[:]))
	if n == 0 {
		return "", true, nil
	}
	if n > MaxNameLength {
		return "", false, fmt.Errorf("%w: %d bytes", ErrNameTooLong, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", false, fmt.Errorf("truncated job name: %w", err)
	}
	return string(payload), false, nil
}

func writeFull(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
