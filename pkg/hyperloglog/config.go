package hyperloglog

import (
	"fmt"
	"math"
	"strings"
)

// Variant selects the hash width and estimation policy of a sketch.
type Variant uint8

const (
	// Classic uses a 32-bit hash and the three-regime estimator with
	// large-range correction.
	Classic Variant = iota

	// PlusPlus uses a 64-bit hash, a bias-corrected estimator and supports
	// weighted updates.
	PlusPlus
)

const (
	minPrecision = 4

	// DefaultPrecision gives ~0.81% standard error in 16KB.
	DefaultPrecision = 14
)

// String returns the name used in configuration files and the API.
func (v Variant) String() string {
	switch v {
	case Classic:
		return "classic"
	case PlusPlus:
		return "plusplus"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// ParseVariant is the inverse of Variant.String. "hll" and "hll++" are accepted
// as aliases.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "classic", "hll", "":
		return Classic, nil
	case "plusplus", "hll++", "hllpp":
		return PlusPlus, nil
	default:
		return 0, fmt.Errorf("%w %q (supported: classic, plusplus)", ErrUnknownVariant, s)
	}
}

// HashBits returns the number of hash bits the variant consumes.
func (v Variant) HashBits() uint8 {
	if v == PlusPlus {
		return 64
	}
	return 32
}

// MaxPrecision returns the largest precision the variant accepts.
func (v Variant) MaxPrecision() uint8 {
	if v == PlusPlus {
		return 18
	}
	return 16
}

// MinPrecision returns the smallest precision the variant accepts.
func (v Variant) MinPrecision() uint8 {
	return minPrecision
}

func (v Variant) valid() bool {
	return v == Classic || v == PlusPlus
}

// Config parameterizes a sketch. Zero fields are filled with defaults by
// NewWithConfig: Hash falls back to DefaultHash(Variant) and WeightedScale
// to log2(e).
type Config struct {
	Precision uint8
	Variant   Variant
	Hash      HashFunc

	// WeightedScale multiplies the weighted estimate. The default compensates
	// for the floor applied to log2(weight) when weights are spread over
	// several octaves; use 1 for streams whose weights are powers of two.
	WeightedScale float64
}

// DefaultConfig returns a config with DefaultPrecision for the variant.
func DefaultConfig(v Variant) Config {
	return Config{
		Precision:     DefaultPrecision,
		Variant:       v,
		Hash:          DefaultHash(v),
		WeightedScale: math.Log2E,
	}
}

// Validate checks the precision against the variant's range and the
// weighted scale for a usable value.
func (c Config) Validate() error {
	if !c.Variant.valid() {
		return fmt.Errorf("%w: unknown variant %d", ErrInvalidPrecision, c.Variant)
	}
	if c.Precision < c.Variant.MinPrecision() || c.Precision > c.Variant.MaxPrecision() {
		return fmt.Errorf("%w: %d not in [%d, %d] for %s",
			ErrInvalidPrecision, c.Precision, c.Variant.MinPrecision(), c.Variant.MaxPrecision(), c.Variant)
	}
	if c.WeightedScale < 0 || math.IsNaN(c.WeightedScale) || math.IsInf(c.WeightedScale, 0) {
		return fmt.Errorf("%w: weighted scale must be finite and non-negative, got %v", ErrInvalidConfig, c.WeightedScale)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Hash == nil {
		c.Hash = DefaultHash(c.Variant)
	}
	if c.WeightedScale == 0 {
		c.WeightedScale = math.Log2E
	}
	return c
}
