package hyperloglog

var (
	// ErrInvalidPrecision is returned when a precision is outside the variant's
	// supported range, or a register array is not 2^p long.
	ErrInvalidPrecision = &HLLError{"invalid precision"}

	// ErrInvalidConfig is returned for configuration fields other than the
	// precision that cannot be used, such as a negative weighted scale.
	ErrInvalidConfig = &HLLError{"invalid config"}

	// ErrIncompatibleSketch is returned when merging or unioning sketches whose
	// precision or variant differ.
	ErrIncompatibleSketch = &HLLError{"incompatible sketch"}

	// ErrInvalidWeight is returned for weights that are not finite and positive.
	ErrInvalidWeight = &HLLError{"invalid weight"}

	// ErrWeightedUnsupported is returned when a weighted operation is invoked on
	// a Classic sketch.
	ErrWeightedUnsupported = &HLLError{"weighted updates require the plusplus variant"}

	// ErrBufferTooSmall is returned when a serialization target is shorter than ByteSize().
	ErrBufferTooSmall = &HLLError{"buffer too small"}

	// ErrMalformedBuffer is returned when trying to deserialize invalid HLL data.
	ErrMalformedBuffer = &HLLError{"malformed buffer"}

	// ErrUnknownVariant is returned by ParseVariant for unsupported names.
	ErrUnknownVariant = &HLLError{"unknown sketch variant"}

	// ErrUnknownHash is returned by LookupHash for unsupported names.
	ErrUnknownHash = &HLLError{"unknown hash function"}

	// ErrNoSketches is returned by Union when called without inputs.
	ErrNoSketches = &HLLError{"union of zero sketches"}
)

// HLLError represents an error in HyperLogLog operations.
type HLLError struct {
	message string
}

func (e *HLLError) Error() string {
	return "hyperloglog: " + e.message
}
