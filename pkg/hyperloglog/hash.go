package hyperloglog

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashFunc maps an arbitrary byte sequence to an unsigned integer. It must be
// deterministic. Only the low HashBits() bits of the result are used, so a
// 32-bit function can be plugged into a Classic sketch as is.
type HashFunc func(data []byte) uint64

// Murmur3Hash32 is the default hash of Classic sketches.
func Murmur3Hash32(data []byte) uint64 {
	return uint64(murmur3.Sum32(data))
}

// XXHash64 is the default hash of PlusPlus sketches.
func XXHash64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// SHA1Hash32 returns the first four bytes of the SHA-1 digest, little endian.
func SHA1Hash32(data []byte) uint64 {
	sum := sha1.Sum(data)
	return uint64(binary.LittleEndian.Uint32(sum[:4]))
}

// SHA1Hash64 returns the first eight bytes of the SHA-1 digest, little endian.
func SHA1Hash64(data []byte) uint64 {
	sum := sha1.Sum(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

// FNV64a computes a 64-bit FNV-1a hash of the input.
func FNV64a(data []byte) uint64 {
	hasher := fnv.New64a()
	hasher.Write(data)
	return hasher.Sum64()
}

// DefaultHash returns the hash a sketch of the given variant uses when none is configured.
func DefaultHash(v Variant) HashFunc {
	if v == PlusPlus {
		return XXHash64
	}
	return Murmur3Hash32
}

// LookupHash resolves a hash function by name. An empty name selects the
// variant's default; "sha1" picks the digest width matching the variant.
func LookupHash(name string, v Variant) (HashFunc, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return DefaultHash(v), nil
	case "murmur3":
		return Murmur3Hash32, nil
	case "xxhash":
		return XXHash64, nil
	case "fnv", "fnv64a":
		return FNV64a, nil
	case "sha1":
		if v == PlusPlus {
			return SHA1Hash64, nil
		}
		return SHA1Hash32, nil
	default:
		return nil, fmt.Errorf("%w %q (supported: murmur3, xxhash, fnv, sha1)", ErrUnknownHash, name)
	}
}
