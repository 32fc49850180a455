package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/garnizeh/spine/internal/auth"
	"github.com/garnizeh/spine/internal/job"
	"github.com/garnizeh/spine/internal/jobs"
)

// decodeBody strictly decodes a JSON request body into dst. An empty
// body is accepted and leaves dst zero-valued, since every field on the
// job endpoints is optional unless a handler checks otherwise.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

// handleCreateJob handles POST /jobs (head only).
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	if role != auth.RoleHead {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req struct {
		Target      job.Target     `json:"target"`
		Spec        string         `json:"spec"`
		Meta        map[string]any `json:"meta"`
		MaxAttempts int            `json:"maxAttempts"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	j, err := s.mgr.Create(jobs.CreateParams{
		Target:      req.Target,
		Spec:        req.Spec,
		Meta:        req.Meta,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

// handleListJobs handles GET /jobs with optional status and target
// query filters.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var f jobs.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st := job.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		f.Status = st
	}
	if v := r.URL.Query().Get("target"); v != "" {
		tg := job.Target(v)
		if !tg.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_target")
			return
		}
		f.Target = tg
	}
	list, err := s.mgr.List(role, f)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleGetJob handles GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	j, err := s.mgr.Get(role, r.PathValue("id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleJobEvents handles GET /jobs/{id}/events.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, role auth.Role) {
	evs, err := s.mgr.Events(role, r.PathValue("id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	if evs == nil {
		evs = []job.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleClaimJob handles POST /jobs/{id}/claim (workers only).
func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	j, err := s.mgr.Claim(role, r.PathValue("id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleHeartbeatJob handles POST /jobs/{id}/heartbeat.
func (s *Server) handleHeartbeatJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var req struct {
		Progress any `json:"progress"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	j, err := s.mgr.Heartbeat(role, r.PathValue("id"), req.Progress)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleCompleteJob handles POST /jobs/{id}/complete.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var req struct {
		Result any `json:"result"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	j, err := s.mgr.Complete(role, r.PathValue("id"), req.Result)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleFailJob handles POST /jobs/{id}/fail.
func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var req struct {
		Error   *string `json:"error"`
		Requeue *bool   `json:"requeue"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	j, err := s.mgr.Fail(role, r.PathValue("id"), req.Error, req.Requeue)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleReleaseJob handles POST /jobs/{id}/release.
func (s *Server) handleReleaseJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	j, err := s.mgr.Release(role, r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleCommentJob handles POST /jobs/{id}/comment.
func (s *Server) handleCommentJob(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text_required")
		return
	}
	j, err := s.mgr.Comment(role, r.PathValue("id"), req.Text)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
