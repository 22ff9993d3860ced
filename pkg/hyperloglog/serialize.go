package hyperloglog

import "fmt"

// ByteSize returns the length of the serialized form: 1 + m.
func (h *HyperLogLog) ByteSize() int {
	return 1 + len(h.registers)
}

// Serialize writes the sketch into buf starting at offset 0.
// Format: [precision:1byte][registers:m bytes]
func (h *HyperLogLog) Serialize(buf []byte) error {
	if len(buf) < h.ByteSize() {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrBufferTooSmall, h.ByteSize(), len(buf))
	}
	buf[0] = h.precision
	copy(buf[1:], h.registers)
	return nil
}

// MarshalBinary encodes the HLL into a binary format.
func (h *HyperLogLog) MarshalBinary() ([]byte, error) {
	data := make([]byte, h.ByteSize())
	if err := h.Serialize(data); err != nil {
		return nil, err
	}
	return data, nil
}

// UnmarshalBinary decodes an HLL from binary format. The receiver's variant
// and hash are kept; a zero HyperLogLog decodes as Classic with the default hash.
// data must be exactly 1 + 2^p bytes long.
func (h *HyperLogLog) UnmarshalBinary(data []byte) error {
	if len(data) > 0 && data[0] <= PlusPlus.MaxPrecision() && len(data) != 1+(1<<data[0]) {
		return fmt.Errorf("%w: %d bytes for precision %d", ErrMalformedBuffer, len(data), data[0])
	}

	cfg := h.cfg
	cfg.Precision = 0
	decoded, err := FromBytes(cfg, data)
	if err != nil {
		return err
	}
	*h = *decoded
	return nil
}

// Deserialize reads a sketch of the given variant from data and attaches the
// variant's default hash. The precision comes from the buffer. Bytes past
// 1 + 2^p are ignored.
func Deserialize(variant Variant, data []byte) (*HyperLogLog, error) {
	cfg := DefaultConfig(variant)
	cfg.Precision = 0
	return FromBytes(cfg, data)
}

// FromBytes is Deserialize with an explicit configuration, used to re-attach a
// custom hash function. cfg.Precision is taken from the buffer when zero and
// must match it otherwise.
func FromBytes(cfg Config, data []byte) (*HyperLogLog, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedBuffer)
	}

	p := data[0]
	if p < cfg.Variant.MinPrecision() || p > cfg.Variant.MaxPrecision() {
		return nil, fmt.Errorf("%w: precision %d out of range for %s", ErrMalformedBuffer, p, cfg.Variant)
	}
	if cfg.Precision != 0 && cfg.Precision != p {
		return nil, fmt.Errorf("%w: buffer precision %d, expected %d", ErrMalformedBuffer, p, cfg.Precision)
	}

	size := 1 + (1 << p)
	if len(data) < size {
		return nil, fmt.Errorf("%w: need %d bytes for precision %d, got %d", ErrMalformedBuffer, size, p, len(data))
	}

	cfg.Precision = p
	h, err := NewWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	if i, ok := h.firstOutOfRange(data[1:size]); ok {
		return nil, fmt.Errorf("%w: register %d holds %d, max rank is %d",
			ErrMalformedBuffer, i, data[1+i], h.maxRank())
	}
	copy(h.registers, data[1:size])
	return h, nil
}
