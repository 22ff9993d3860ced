package sessions

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Serializer converts between stored sketch records and session entries.
type Serializer struct{}

// NewSerializer creates a new Serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// MarshalRecords converts records into session entries. Registers are base64
// encoded; the precision byte moves into its own field.
func (s *Serializer) MarshalRecords(records []*models.SketchRecord) ([]*models.SerializedSketch, error) {
	result := make([]*models.SerializedSketch, 0, len(records))
	for _, rec := range records {
		sk, err := s.marshalRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("marshaling sketch %s: %w", rec.Name, err)
		}
		result = append(result, sk)
	}
	return result, nil
}

func (s *Serializer) marshalRecord(rec *models.SketchRecord) (*models.SerializedSketch, error) {
	if len(rec.Data) == 0 {
		return nil, hyperloglog.ErrMalformedBuffer
	}
	if rec.Data[0] != rec.Precision {
		return nil, fmt.Errorf("%w: header precision %d, record precision %d",
			hyperloglog.ErrMalformedBuffer, rec.Data[0], rec.Precision)
	}

	return &models.SerializedSketch{
		Name:      rec.Name,
		Variant:   rec.Variant,
		Precision: rec.Precision,
		Hash:      rec.Hash,
		Registers: base64.StdEncoding.EncodeToString(rec.Data[1:]),
	}, nil
}

// UnmarshalRecords converts session entries back into records and checks that
// each decodes into a valid sketch.
func (s *Serializer) UnmarshalRecords(sketches []*models.SerializedSketch, updatedAt time.Time) ([]*models.SketchRecord, error) {
	result := make([]*models.SketchRecord, 0, len(sketches))
	for _, sk := range sketches {
		rec, err := s.unmarshalSketch(sk, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling sketch %s: %w", sk.Name, err)
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *Serializer) unmarshalSketch(sk *models.SerializedSketch, updatedAt time.Time) (*models.SketchRecord, error) {
	if err := models.ValidateSketchName(sk.Name); err != nil {
		return nil, err
	}

	registers, err := base64.StdEncoding.DecodeString(sk.Registers)
	if err != nil {
		return nil, fmt.Errorf("decoding registers: %w", err)
	}

	data := make([]byte, 1+len(registers))
	data[0] = sk.Precision
	copy(data[1:], registers)

	variant, err := hyperloglog.ParseVariant(sk.Variant)
	if err != nil {
		return nil, err
	}
	if _, err := hyperloglog.Deserialize(variant, data); err != nil {
		return nil, err
	}

	return &models.SketchRecord{
		Name:      sk.Name,
		Variant:   variant.String(),
		Precision: sk.Precision,
		Hash:      sk.Hash,
		Data:      data,
		UpdatedAt: updatedAt,
	}, nil
}

// CreateSessionOptions defines what to include when creating a session.
type CreateSessionOptions struct {
	Name        string
	Description string
	Prefixes    []string // empty = all
}

// CreateSession builds a session from a snapshot of the registry.
func (s *Serializer) CreateSession(ctx context.Context, opts CreateSessionOptions, records []*models.SketchRecord) (*models.Session, error) {
	if err := models.ValidateSessionName(opts.Name); err != nil {
		return nil, err
	}

	session := &models.Session{
		Version:     CurrentVersion,
		ID:          opts.Name,
		Description: opts.Description,
		Created:     time.Now().UTC(),
		Prefixes:    opts.Prefixes,
	}

	filtered := filterByPrefix(records, opts.Prefixes)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	serialized, err := s.MarshalRecords(filtered)
	if err != nil {
		return nil, err
	}
	session.Sketches = serialized

	return session, nil
}

// ErrEmptySession is returned when a session holds no sketches to restore.
var ErrEmptySession = errors.New("session contains no sketches")

// RestoreSession returns the records held by a session.
func (s *Serializer) RestoreSession(session *models.Session) ([]*models.SketchRecord, error) {
	if len(session.Sketches) == 0 {
		return nil, ErrEmptySession
	}
	return s.UnmarshalRecords(session.Sketches, session.Created)
}

func filterByPrefix(records []*models.SketchRecord, prefixes []string) []*models.SketchRecord {
	if len(prefixes) == 0 {
		return records
	}

	var result []*models.SketchRecord
	for _, rec := range records {
		for _, p := range prefixes {
			if strings.HasPrefix(rec.Name, p) {
				result = append(result, rec)
				break
			}
		}
	}
	return result
}
