package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
)

// Session naming validation
var sessionNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*[a-z0-9]$|^[a-z0-9]$`)

// Session errors
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name: must be lowercase alphanumeric with hyphens")
	ErrSessionTooLarge    = errors.New("session exceeds size limit")
	ErrTooManySessions    = errors.New("maximum number of sessions reached")
)

// ValidateSessionName checks if a session name is valid.
// Names must be lowercase alphanumeric with hyphens, no spaces or special chars.
func ValidateSessionName(name string) error {
	if name == "" || len(name) > 128 {
		return ErrInvalidSessionName
	}
	if !sessionNameRegex.MatchString(name) {
		return ErrInvalidSessionName
	}
	return nil
}

// SessionMetadata contains information about a saved session without the sketches.
type SessionMetadata struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
	Prefixes    []string  `json:"prefixes,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Sketches    int       `json:"sketches"`
}

// Session is a named checkpoint of a set of sketches.
type Session struct {
	// Version is the session format version for future compatibility
	Version int `json:"version"`

	ID          string              `json:"id"`
	Description string              `json:"description,omitempty"`
	Created     time.Time           `json:"created"`
	Prefixes    []string            `json:"prefixes,omitempty"` // empty = all sketches
	Sketches    []*SerializedSketch `json:"sketches"`
}

// Metadata returns the session header.
func (s *Session) Metadata() SessionMetadata {
	return SessionMetadata{
		ID:          s.ID,
		Description: s.Description,
		Created:     s.Created,
		Prefixes:    s.Prefixes,
		Sketches:    len(s.Sketches),
	}
}

// SerializedSketch is the JSON form of a sketch: the binary layout
// [precision:1byte][registers:m bytes] split into a precision field and
// base64-encoded registers.
type SerializedSketch struct {
	Name      string `json:"name"`
	Variant   string `json:"variant"`
	Precision uint8  `json:"precision"`
	Hash      string `json:"hash,omitempty"`
	Registers string `json:"registers"` // base64-encoded
}

// MarshalSketch serializes a named sketch.
func MarshalSketch(name string, h *hyperloglog.HyperLogLog) (*SerializedSketch, error) {
	data, err := h.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling sketch %s: %w", name, err)
	}

	return &SerializedSketch{
		Name:      name,
		Variant:   h.Variant().String(),
		Precision: data[0],
		Registers: base64.StdEncoding.EncodeToString(data[1:]),
	}, nil
}

// UnmarshalSketch rebuilds the sketch with the variant's default hash.
func UnmarshalSketch(s *SerializedSketch) (*hyperloglog.HyperLogLog, error) {
	variant, err := hyperloglog.ParseVariant(s.Variant)
	if err != nil {
		return nil, err
	}

	registers, err := base64.StdEncoding.DecodeString(s.Registers)
	if err != nil {
		return nil, fmt.Errorf("decoding registers of %s: %w", s.Name, err)
	}

	// Reconstruct binary format: [precision:1byte][registers:m bytes]
	data := make([]byte, 1+len(registers))
	data[0] = s.Precision
	copy(data[1:], registers)

	return hyperloglog.Deserialize(variant, data)
}
