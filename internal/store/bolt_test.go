package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetAssignment(t *testing.T) {
	s := newTestStore(t)

	a := &Assignment{
		Address:     3,
		Label:       "shoulder-left",
		SourceRange: "8-11",
		AssignedAt:  time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveAssignment(a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAssignment(3)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != 3 {
		t.Errorf("address = %d, want 3", got.Address)
	}
	if got.Label != a.Label {
		t.Errorf("label = %q, want %q", got.Label, a.Label)
	}
	if got.SourceRange != "8-11" {
		t.Errorf("source range = %q, want 8-11", got.SourceRange)
	}
	if !got.AssignedAt.Equal(a.AssignedAt) {
		t.Errorf("assigned_at = %v, want %v", got.AssignedAt, a.AssignedAt)
	}
}

func TestDeleteAssignment(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveAssignment(&Assignment{Address: 7}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAssignment(7); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAssignment(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListAssignmentsOrdered(t *testing.T) {
	s := newTestStore(t)

	for _, addr := range []uint8{15, 2, 103} {
		if err := s.SaveAssignment(&Assignment{Address: addr}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListAssignments()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
	// Zero-padded keys keep bolt's byte order numeric.
	want := []uint8{2, 15, 103}
	for i, a := range list {
		if a.Address != want[i] {
			t.Errorf("list[%d] = %d, want %d", i, a.Address, want[i])
		}
	}
}

func TestGetAssignmentNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetAssignment(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReportRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type fakeReport struct {
		Clusters []string `json:"clusters"`
		Done     bool     `json:"done"`
	}
	in := fakeReport{Clusters: []string{"8-11", "20"}, Done: true}
	if err := s.SaveReport("2026-08-30T10:00:00Z", in); err != nil {
		t.Fatal(err)
	}

	keys, err := s.ListReportKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "2026-08-30T10:00:00Z" {
		t.Fatalf("keys = %v", keys)
	}

	var out fakeReport
	if err := s.GetReport(keys[0], &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Clusters) != 2 || out.Clusters[0] != "8-11" || !out.Done {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestGetReportNotFound(t *testing.T) {
	s := newTestStore(t)
	var out struct{}
	if err := s.GetReport("nope", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
