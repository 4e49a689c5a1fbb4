package protocol

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// MigrationStatus is the first byte of every message exchanged by an upgrade
// connection. DONE tells the receiver that the sender stopped using the
// current path for this direction.
type MigrationStatus uint8

const (
	MigrationNotDone MigrationStatus = 0x00
	MigrationDone    MigrationStatus = 0x01
)

// MaxDirectFrameSize bounds a single length-prefixed frame on the direct channel.
const MaxDirectFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds MaxDirectFrameSize.
var ErrFrameTooLarge = errors.New("direct frame exceeds maximum size")

// WithMigration prepends a migration status byte to data.
func WithMigration(status MigrationStatus, data []byte) []byte {
	buf := make([]byte, 1+len(data))
	buf[0] = byte(status)
	copy(buf[1:], data)
	return buf
}

// EncodeLengthPrefixed prepends an unsigned varint length to msg.
func EncodeLengthPrefixed(msg []byte) []byte {
	n := varint.UvarintSize(uint64(len(msg)))
	buf := make([]byte, n+len(msg))
	varint.PutUvarint(buf, uint64(len(msg)))
	copy(buf[n:], msg)
	return buf
}

// LengthPrefixDecoder reassembles length-prefixed frames from a byte stream
// without message boundaries. It keeps partial frames between calls.
type LengthPrefixDecoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every complete frame.
func (d *LengthPrefixDecoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for len(d.buf) > 0 {
		size, n, err := varint.FromUvarint(d.buf)
		if errors.Is(err, varint.ErrUnderflow) {
			break
		}
		if err != nil {
			return frames, fmt.Errorf("decode length prefix: %w", err)
		}
		if size > MaxDirectFrameSize {
			return frames, ErrFrameTooLarge
		}
		if uint64(len(d.buf)-n) < size {
			break
		}

		frame := make([]byte, size)
		copy(frame, d.buf[n:n+int(size)])
		frames = append(frames, frame)
		d.buf = d.buf[n+int(size):]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *LengthPrefixDecoder) Buffered() int {
	return len(d.buf)
}
