package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/twinshift/twinshift/internal/audit"
	"github.com/twinshift/twinshift/internal/compare"
	"github.com/twinshift/twinshift/internal/guard"
	"github.com/twinshift/twinshift/internal/ws"
)

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.LoadState(); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	jsonResponse(w, http.StatusOK, StateResponse{Snapshot: s.engine.Snapshot(), Running: running})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		errorResponse(w, http.StatusConflict, "a workflow run is already in progress")
		return
	}
	s.running = true
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			close(done)
		}()
		if err := s.engine.Run(s.baseCtx); err != nil {
			s.logger.Error("workflow run failed", "error", err)
			if s.hub != nil {
				s.hub.PublishError(err.Error())
			}
		}
	}()

	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.engine.Files())
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.engine.Tests())
}

func (s *Server) handleComparisons(w http.ResponseWriter, r *http.Request) {
	results := s.engine.Comparisons()
	if results == nil {
		results = []compare.Result{}
	}
	jsonResponse(w, http.StatusOK, results)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		errorResponse(w, http.StatusNotFound, "audit trail not configured")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{EventID: q.Get("event"), State: q.Get("state")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	entries, err := s.audit.List(r.Context(), f)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	jsonResponse(w, http.StatusOK, entries)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		jsonResponse(w, http.StatusOK, []guard.ApprovalRequest{})
		return
	}
	jsonResponse(w, http.StatusOK, s.queue.Pending())
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		errorResponse(w, http.StatusNotFound, "approvals are not served over HTTP")
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		errorResponse(w, http.StatusBadRequest, `body must be {"approved": true|false}`)
		return
	}

	id := r.PathValue("id")
	d := guard.Decision{Approved: *req.Approved, Approver: req.Approver, Comment: req.Comment}
	if d.Approver == "" {
		d.Approver = "http"
	}
	if err := s.queue.Resolve(id, d); err != nil {
		if errors.Is(err, guard.ErrUnknownApproval) {
			errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.hub != nil {
		s.hub.Publish(ws.MsgApprovalResolved, map[string]any{"event_id": id, "approved": d.Approved})
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "resolved"})
}
