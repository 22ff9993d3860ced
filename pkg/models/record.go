package models

import "time"

// SketchRecord is one persisted sketch. Data holds the raw serialized buffer
// ([precision][registers...]); storage backends may compress it at rest.
type SketchRecord struct {
	Name      string    `json:"name"`
	Variant   string    `json:"variant"`
	Precision uint8     `json:"precision"`
	Hash      string    `json:"hash,omitempty"`
	Data      []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *SketchRecord) Clone() *SketchRecord {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}
