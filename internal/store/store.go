// Package store persists the committed address map and archived discovery
// reports.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Sessions accept a nil Store when
// persistence is not wanted (rehearsals, tests).
type Store interface {
	// Address map operations
	SaveAssignment(a *Assignment) error
	GetAssignment(addr uint8) (*Assignment, error)
	DeleteAssignment(addr uint8) error
	ListAssignments() ([]*Assignment, error)

	// Report archive. Reports are stored as opaque JSON under a
	// caller-chosen key (the session start timestamp).
	SaveReport(key string, report any) error
	GetReport(key string, out any) error
	ListReportKeys() ([]string, error)

	// Close the store
	Close() error
}
