package store

import "time"

// Assignment is one committed, persistent address on the bus: the record
// that a physical unit now answers this unique address.
type Assignment struct {
	Address     uint8     `json:"address"`
	Label       string    `json:"label,omitempty"`
	SourceRange string    `json:"source_range"`
	Partial     bool      `json:"partial,omitempty"`
	AssignedAt  time.Time `json:"assigned_at"`
}
