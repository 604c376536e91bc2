package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"canmap/internal/assign"
	"canmap/internal/bus"
	"canmap/internal/quirks"
	"canmap/internal/scan"
	"canmap/internal/session"
	"canmap/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// simFactory builds sessions over a fresh simulated bus with one device
// block at 8-11 and a fast policy.
func simFactory(st store.Store) SessionFactory {
	return func() (*session.Session, error) {
		sim := bus.NewSimBus(&bus.SimDevice{Low: 8, High: 11})
		cfg := session.DefaultConfig()
		cfg.Policy.MinAddr = 1
		cfg.Policy.MaxAddr = 15
		cfg.Policy.MaxRetries = 0
		cfg.Policy.ProbeTimeout = 10 * time.Millisecond
		cfg.Policy.ListenWindow = 0
		cfg.CmdTimeout = 20 * time.Millisecond

		tr := bus.NewTransport(sim, testLogger())
		prober := scan.NewProber(tr, quirks.Identity{}, cfg.Policy.ProbeTimeout, testLogger())
		scanner := scan.NewScanner(prober, tr, quirks.Identity{}, testLogger())
		reassigner := assign.NewReassigner(tr, prober, quirks.Identity{}, cfg.CmdTimeout, testLogger())
		s := session.New(tr, scanner, reassigner, cfg, testLogger())
		if st != nil {
			s.WithStore(st)
		}
		return s, nil
	}
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *store.BoltStore) {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	opts := []ServerOption{WithStore(db), WithVersion("test")}
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(simFactory(db), testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, db
}

func doJSON(t *testing.T, srv *Server, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			decoded = nil // non-object payload, caller decodes itself
		}
	}
	return w, decoded
}

// waitIdle polls until the background session finishes.
func waitIdle(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		running := srv.running
		srv.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not finish")
}

func TestAPIStatusIdle(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	w, body := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["running"] != false {
		t.Errorf("running = %v, want false", body["running"])
	}
}

func TestAPIReportBeforeAnyScan(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	w, _ := doJSON(t, srv, http.MethodGet, "/api/report", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAPIScanRunsSessionAndPublishesReport(t *testing.T) {
	srv, db := setupTestServer(t, "")

	w, _ := doJSON(t, srv, http.MethodPost, "/api/scan", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("scan status = %d, want 202", w.Code)
	}
	waitIdle(t, srv)

	w, _ = doJSON(t, srv, http.MethodGet, "/api/report", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d", w.Code)
	}
	var report session.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Committed()) != 1 {
		t.Fatalf("committed = %d, want 1", len(report.Committed()))
	}

	// The session persisted through the same store the API serves.
	assignments, err := db.ListAssignments()
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 1 {
		t.Fatalf("assignments = %d, want 1", len(assignments))
	}

	w, _ = doJSON(t, srv, http.MethodGet, "/api/assignments", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("assignments status = %d", w.Code)
	}
	var listed []*store.Assignment
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].SourceRange != "8-11" {
		t.Errorf("listed = %+v", listed)
	}
}

func TestAPIScanConflictWhileRunning(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	// Hold the running flag directly; a live session would race the test.
	srv.mu.Lock()
	srv.running = true
	srv.mu.Unlock()

	w, _ := doJSON(t, srv, http.MethodPost, "/api/scan", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}

	srv.mu.Lock()
	srv.running = false
	srv.mu.Unlock()
}

func TestAPICancelWithoutScan(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	w, _ := doJSON(t, srv, http.MethodPost, "/api/scan/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAPIAssignmentLifecycle(t *testing.T) {
	srv, db := setupTestServer(t, "")
	err := db.SaveAssignment(&store.Assignment{Address: 5, Label: "old", SourceRange: "8-11", AssignedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	w, body := doJSON(t, srv, http.MethodGet, "/api/assignments/5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if body["label"] != "old" {
		t.Errorf("label = %v", body["label"])
	}

	w, body = doJSON(t, srv, http.MethodPatch, "/api/assignments/5", []byte(`{"label":"axis-x"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d", w.Code)
	}
	if body["label"] != "axis-x" {
		t.Errorf("patched label = %v", body["label"])
	}

	w, _ = doJSON(t, srv, http.MethodDelete, "/api/assignments/5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w, _ = doJSON(t, srv, http.MethodGet, "/api/assignments/5", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("after delete status = %d, want 404", w.Code)
	}
}

func TestAPIAssignmentBadAddress(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	w, _ := doJSON(t, srv, http.MethodGet, "/api/assignments/bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIReportsArchive(t *testing.T) {
	srv, db := setupTestServer(t, "")
	report := &session.Report{StartedAt: time.Now().UTC()}
	if err := db.SaveReport("2026-01-02T15:04:05Z", report); err != nil {
		t.Fatal(err)
	}

	w, _ := doJSON(t, srv, http.MethodGet, "/api/reports", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var keys []string
	if err := json.Unmarshal(w.Body.Bytes(), &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}

	w, _ = doJSON(t, srv, http.MethodGet, "/api/reports/"+keys[0], nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	w, _ = doJSON(t, srv, http.MethodGet, "/api/reports/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing report status = %d, want 404", w.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := setupTestServer(t, "sekrit")

	w, _ := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	r.Header.Set("X-API-Key", "sekrit")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d", rec.Code)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	srv := NewServer(simFactory(db), testLogger(),
		WithStore(db), WithAllowedOrigins([]string{"http://good.example"}))
	t.Cleanup(srv.Stop)

	r := httptest.NewRequest(http.MethodPost, "/api/scan", nil)
	r.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	w, body := doJSON(t, srv, http.MethodGet, "/api/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["version"] != "test" {
		t.Errorf("version = %v", body["version"])
	}
}
