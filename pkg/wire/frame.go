// Package wire holds the framing shared by every nexus protocol: records are
// protobuf wire format (no generated code, just protowire fields) and are
// length-prefixed with a varint when they travel over a stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds what ReadFrame accepts from a peer.
const MaxFrameSize = 1 << 20

var (
	ErrTooLargeFrame = errors.New("wire: frame was too large")
	ErrMalformed     = errors.New("wire: malformed record")
)

// WriteFrame writes buf prefixed by its varint length.
func WriteFrame(w io.Writer, buf []byte) error {
	if len(buf) > MaxFrameSize {
		return ErrTooLargeFrame
	}
	prefixed := protowire.AppendBytes(make([]byte, 0, binary.MaxVarintLen64+len(buf)), buf)
	_, err := w.Write(prefixed)
	return err
}

// ReadFrame reads one frame written by WriteFrame. The varint prefix is read
// byte per byte so nothing past the frame is consumed from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for {
		if n == len(buf) {
			return nil, fmt.Errorf("%w: length prefix overflow", ErrMalformed)
		}
		m, err := r.Read(buf[n : n+1])
		if err != nil {
			return nil, err
		}
		if m == 0 {
			continue
		}
		n++
		if buf[n-1] < 0x80 {
			break
		}
	}

	size, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if size > MaxFrameSize {
		return nil, ErrTooLargeFrame
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
