package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAssignments = []byte("assignments")
	bucketReports     = []byte("reports")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAssignments, bucketReports} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func assignmentKey(addr uint8) []byte {
	return []byte(fmt.Sprintf("%03d", addr))
}

func (s *BoltStore) SaveAssignment(a *Assignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAssignments)
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(assignmentKey(a.Address), data)
	})
}

func (s *BoltStore) GetAssignment(addr uint8) (*Assignment, error) {
	var a Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAssignments)
		}
		data := b.Get(assignmentKey(addr))
		if data == nil {
			return fmt.Errorf("assignment %d: %w", addr, ErrNotFound)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) DeleteAssignment(addr uint8) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAssignments)
		}
		return b.Delete(assignmentKey(addr))
	})
}

func (s *BoltStore) ListAssignments() ([]*Assignment, error) {
	var assignments []*Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		if b == nil {
			return nil // no bucket = no assignments
		}
		assignments = make([]*Assignment, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var a Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			assignments = append(assignments, &a)
			return nil
		})
	})
	return assignments, err
}

func (s *BoltStore) SaveReport(key string, report any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReports)
		}
		data, err := json.Marshal(report)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) GetReport(key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReports)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("report %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *BoltStore) ListReportKeys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
