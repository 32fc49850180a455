package server

// RegisterRoutes registers all HTTP routes and applies global middleware.
// This keeps route registration separate from server bootstrap.
func (s *Server) RegisterRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics.Handler())
	}

	s.router.HandleFunc("POST /jobs", s.authed(s.handleCreateJob))
	s.router.HandleFunc("GET /jobs", s.authed(s.handleListJobs))
	s.router.HandleFunc("GET /jobs/{id}", s.authed(s.handleGetJob))
	s.router.HandleFunc("GET /jobs/{id}/events", s.authed(s.handleJobEvents))
	s.router.HandleFunc("POST /jobs/{id}/claim", s.authed(s.handleClaimJob))
	s.router.HandleFunc("POST /jobs/{id}/heartbeat", s.authed(s.handleHeartbeatJob))
	s.router.HandleFunc("POST /jobs/{id}/complete", s.authed(s.handleCompleteJob))
	s.router.HandleFunc("POST /jobs/{id}/fail", s.authed(s.handleFailJob))
	s.router.HandleFunc("POST /jobs/{id}/release", s.authed(s.handleReleaseJob))
	s.router.HandleFunc("POST /jobs/{id}/comment", s.authed(s.handleCommentJob))

	s.router.HandleFunc("POST /blobs", s.authed(s.handleUploadBlob))
	s.router.HandleFunc("GET /blobs/{id}", s.authed(s.handleGetBlob))

	// Middleware chain order: RequestID -> Logger -> CORS
	s.handler = RequestID(s.Logger(CORS(s.router)))
}
