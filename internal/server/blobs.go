package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/garnizeh/spine/internal/auth"
	"github.com/garnizeh/spine/internal/store"
)

// maxBlobSize bounds a single upload.
const maxBlobSize = 64 << 20 // 64 MiB

// handleUploadBlob handles POST /blobs: the raw request body is stored
// as an opaque blob and its generated id returned.
func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request, _ auth.Role) {
	id, size, err := s.store.WriteBlob(http.MaxBytesReader(w, r.Body, maxBlobSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "blob_too_large")
			return
		}
		s.log.Error("write blob", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "size": size})
}

// handleGetBlob handles GET /blobs/{id}, streaming the raw bytes back.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request, _ auth.Role) {
	rc, err := s.store.OpenBlob(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("open blob", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("stream blob", "err", err)
	}
}
