// Package codec compresses serialized sketch buffers for storage.
//
// Encoded layout: [flag:1byte][uvarint raw length][payload]. The flag is
// flagLZ4 when payload is an LZ4 block and flagRaw when the input did not
// compress (small or high-entropy sketches).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	flagRaw byte = 0
	flagLZ4 byte = 1
)

// maxDecodedSize bounds the declared raw length: a precision 18 sketch is
// 1+2^18 bytes.
const maxDecodedSize = 1 << 20

// ErrCorrupt is returned for buffers that were not produced by Encode.
var ErrCorrupt = errors.New("codec: corrupt buffer")

// Encode compresses data with LZ4, falling back to a raw copy when the block
// does not shrink.
func Encode(data []byte) []byte {
	header := make([]byte, 1+binary.MaxVarintLen64)
	n := binary.PutUvarint(header[1:], uint64(len(data)))
	header = header[:1+n]

	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil || written == 0 || written >= len(data) {
		header[0] = flagRaw
		return append(header, data...)
	}

	header[0] = flagLZ4
	return append(header, compressed[:written]...)
}

// Decode reverses Encode.
func Decode(buf []byte) ([]byte, error) {
	if len(buf) < 2 {
		return nil, ErrCorrupt
	}

	size, n := binary.Uvarint(buf[1:])
	if n <= 0 || size > maxDecodedSize {
		return nil, ErrCorrupt
	}
	payload := buf[1+n:]

	switch buf[0] {
	case flagRaw:
		if uint64(len(payload)) != size {
			return nil, ErrCorrupt
		}
		out := make([]byte, size)
		copy(out, payload)
		return out, nil

	case flagLZ4:
		out := make([]byte, size)
		written, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if uint64(written) != size {
			return nil, ErrCorrupt
		}
		return out, nil

	default:
		return nil, ErrCorrupt
	}
}
