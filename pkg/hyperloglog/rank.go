package hyperloglog

import "math/bits"

// maxRank is the largest value a register can hold: HashBits() - p.
func (h *HyperLogLog) maxRank() uint8 {
	return h.HashBits() - h.precision
}

// indexRank splits a hash into its register index (top p bits of the
// variant's hash width) and the rank of the remaining tail: leading zeros
// within the tail plus one. An all-zero tail yields the maximum rank.
func (h *HyperLogLog) indexRank(hash uint64) (uint32, uint8) {
	width := uint(h.HashBits())
	if width < 64 {
		hash &= (uint64(1) << width) - 1
	}

	tailBits := width - uint(h.precision)
	idx := uint32(hash >> tailBits)
	tail := hash & ((uint64(1) << tailBits) - 1)

	rank := tailBits - uint(bits.Len64(tail)) + 1
	if rank > tailBits {
		rank = tailBits
	}
	return idx, uint8(rank)
}

func (h *HyperLogLog) firstOutOfRange(registers []uint8) (int, bool) {
	limit := h.maxRank()
	for i, r := range registers {
		if r > limit {
			return i, true
		}
	}
	return 0, false
}
