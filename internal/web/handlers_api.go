package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"canmap/internal/session"
	"canmap/internal/store"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := map[string]any{
		"running": s.running,
	}
	if !s.lastStart.IsZero() {
		status["last_started"] = s.lastStart
	}
	if s.lastReport != nil {
		status["last_summary"] = s.lastReport.Summary()
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	started, err := s.startScan()
	if !started {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "a scan is already running"})
		return
	}
	if err != nil {
		s.logger.Error("start scan", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleAPIScanCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.cancelScan
	s.mu.Unlock()
	if cancel == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "no scan running"})
		return
	}
	cancel()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleAPIReport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	report := s.lastReport
	s.mu.Unlock()
	if report == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no report yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAPIListReports(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no store configured"})
		return
	}
	keys, err := s.st.ListReportKeys()
	if err != nil {
		s.logger.Error("list reports", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	s.writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleAPIGetReport(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no store configured"})
		return
	}
	var report session.Report
	if err := s.st.GetReport(r.PathValue("key"), &report); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
			return
		}
		s.logger.Error("get report", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, &report)
}

func (s *Server) handleAPIListAssignments(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no store configured"})
		return
	}
	assignments, err := s.st.ListAssignments()
	if err != nil {
		s.logger.Error("list assignments", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if assignments == nil {
		assignments = []*store.Assignment{}
	}
	s.writeJSON(w, http.StatusOK, assignments)
}

// addrParam parses the {addr} path value as a bus address.
func (s *Server) addrParam(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	n, err := strconv.ParseUint(r.PathValue("addr"), 10, 8)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return 0, false
	}
	return uint8(n), true
}

func (s *Server) handleAPIGetAssignment(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no store configured"})
		return
	}
	addr, ok := s.addrParam(w, r)
	if !ok {
		return
	}
	a, err := s.st.GetAssignment(addr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "assignment not found"})
			return
		}
		s.logger.Error("get assignment", "err", err, "addr", addr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type relabelRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleAPIRelabelAssignment(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no store configured"})
		return
	}
	addr, ok := s.addrParam(w, r)
	if !ok {
		return
	}
	a, err := s.st.GetAssignment(addr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "assignment not found"})
			return
		}
		s.logger.Error("get assignment", "err", err, "addr", addr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	var req relabelRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	a.Label = req.Label
	if err := s.st.SaveAssignment(a); err != nil {
		s.logger.Error("relabel assignment", "err", err, "addr", addr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "label": a.Label})
}

func (s *Server) handleAPIDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no store configured"})
		return
	}
	addr, ok := s.addrParam(w, r)
	if !ok {
		return
	}
	if err := s.st.DeleteAssignment(addr); err != nil {
		s.logger.Error("delete assignment", "err", err, "addr", addr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	v := s.version
	if v == "" {
		v = "dev"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"version": v})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
