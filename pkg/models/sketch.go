// Package models defines the data structures shared by the sketch service,
// its storage backends and the API.
package models

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
)

var (
	// ErrNotFound is returned when a named sketch does not exist.
	ErrNotFound = errors.New("sketch not found")

	// ErrAlreadyExists is returned when creating a sketch under a taken name.
	ErrAlreadyExists = errors.New("sketch already exists")

	// ErrInvalidName is returned for empty or malformed sketch names.
	ErrInvalidName = errors.New("invalid sketch name")
)

// Sketch names are dotted paths such as "metrics.http_requests_total.method".
var sketchNameRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:./]+$`)

// ValidateSketchName checks that name can be used as a registry key and a
// storage primary key.
func ValidateSketchName(name string) error {
	if name == "" || len(name) > 512 || !sketchNameRegex.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// SanitizeNameSegment replaces characters that are not allowed in sketch
// names with underscores. Dots are replaced too, so the segment stays one
// path element.
func SanitizeNameSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-' || r == ':' || r == '/':
			return r
		default:
			return '_'
		}
	}, s)
}

// SketchSpec describes how to build a sketch. Zero fields take the service
// defaults.
type SketchSpec struct {
	Variant   string `json:"variant,omitempty" yaml:"variant,omitempty"`
	Precision uint8  `json:"precision,omitempty" yaml:"precision,omitempty"`
	Hash      string `json:"hash,omitempty" yaml:"hash,omitempty"`
}

// Config resolves the sketch spec into a hyperloglog configuration.
func (s SketchSpec) Config() (hyperloglog.Config, error) {
	variant, err := hyperloglog.ParseVariant(s.Variant)
	if err != nil {
		return hyperloglog.Config{}, err
	}

	hash, err := hyperloglog.LookupHash(s.Hash, variant)
	if err != nil {
		return hyperloglog.Config{}, err
	}

	cfg := hyperloglog.DefaultConfig(variant)
	cfg.Hash = hash
	if s.Precision != 0 {
		cfg.Precision = s.Precision
	}
	return cfg, cfg.Validate()
}

// SketchInfo summarizes a sketch for listings and API responses.
type SketchInfo struct {
	Name          string    `json:"name"`
	Variant       string    `json:"variant"`
	Precision     uint8     `json:"precision"`
	Registers     uint32    `json:"registers"`
	ByteSize      int       `json:"byte_size"`
	Count         uint64    `json:"count"`
	WeightedCount float64   `json:"weighted_count,omitempty"`
	Empty         bool      `json:"empty"`
	Updates       int64     `json:"updates"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Describe builds a SketchInfo from a sketch.
func Describe(name string, h *hyperloglog.HyperLogLog, updates int64, updatedAt time.Time) *SketchInfo {
	return &SketchInfo{
		Name:          name,
		Variant:       h.Variant().String(),
		Precision:     h.Precision(),
		Registers:     h.M(),
		ByteSize:      h.ByteSize(),
		Count:         h.Count(),
		WeightedCount: h.CountWeighted(),
		Empty:         h.IsEmpty(),
		Updates:       updates,
		UpdatedAt:     updatedAt,
	}
}
