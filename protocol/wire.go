// Package protocol implements the kvstore wire protocol: a binary
// envelope with stable field ids, carried as length-prefixed frames
// over a stream transport.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxPacketSize bounds a single frame. Full dumps of large areas are
// the biggest messages on the wire.
const MaxPacketSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame size is invalid")

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || length > MaxPacketSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > MaxPacketSize {
		return ErrFrameTooLarge
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
