package rest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/tripwire/notifyd/internal/config"
	"github.com/tripwire/notifyd/internal/daemon"
	"github.com/tripwire/notifyd/internal/journal"
	"github.com/tripwire/notifyd/notify"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	ctl    Controller
	stream http.Handler
}

// ServerOption configures optional Server routes.
type ServerOption func(*Server)

// WithEventStream mounts h at /api/v1/events/stream.
func WithEventStream(h http.Handler) ServerOption {
	return func(s *Server) { s.stream = h }
}

// NewServer creates a new Server over ctl.
func NewServer(ctl Controller, opts ...ServerOption) *Server {
	s := &Server{ctl: ctl}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// watchView is the JSON form of one watch.
type watchView struct {
	Path     string `json:"path"`
	Identity string `json:"identity"`
	Depth    int    `json:"depth"`
	Root     bool   `json:"root"`
}

// watchRequest is the body of POST /api/v1/watches.
type watchRequest struct {
	Path           string   `json:"path"`
	Recursive      bool     `json:"recursive"`
	RecursionLimit int      `json:"recursion_limit"`
	Exclude        []string `json:"exclude"`
}

// handleListWatches responds to GET /api/v1/watches with every live watch.
func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request) {
	infos, err := s.ctl.Watches()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to list watches")
		return
	}
	out := make([]watchView, 0, len(infos))
	for _, in := range infos {
		out = append(out, watchView{
			Path:     in.Path,
			Identity: in.Identity.String(),
			Depth:    in.Depth,
			Root:     in.Root,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAddWatch responds to POST /api/v1/watches.
//
// Returns HTTP 400 for a malformed body or a relative path, 404 when the
// directory does not exist, and 201 once the watch is established.
func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON watch object")
		return
	}
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		writeError(w, http.StatusBadRequest, "'path' must be an absolute directory path")
		return
	}
	if !req.Recursive && (req.RecursionLimit != 0 || len(req.Exclude) > 0) {
		writeError(w, http.StatusBadRequest, "'recursion_limit' and 'exclude' require 'recursive'")
		return
	}
	if _, err := config.CompileExclude(req.Exclude); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wc := config.WatchConfig{
		Path:           req.Path,
		Recursive:      req.Recursive,
		RecursionLimit: req.RecursionLimit,
		Exclude:        req.Exclude,
	}
	if err := s.ctl.Watch(wc, subject(r)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": req.Path})
}

// handleRemoveWatch responds to DELETE /api/v1/watches?path=...
//
// Returns HTTP 404 when the path is not watched and 204 on success.
func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'path' is required")
		return
	}
	if err := s.ctl.Unwatch(path, subject(r)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	limit – maximum number of records (default 100, max 1000)
//
// Returns HTTP 200 with a JSON array of journal records, newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	recs, err := s.ctl.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// statusFor maps control-plane errors to HTTP status codes.
func statusFor(err error) int {
	var pe *notify.PathError
	switch {
	case errors.Is(err, notify.ErrNotWatched):
		return http.StatusNotFound
	case errors.Is(err, notify.ErrPathInvalid):
		return http.StatusBadRequest
	case errors.Is(err, daemon.ErrNotRunning), errors.Is(err, notify.ErrClosed), errors.Is(err, notify.ErrSending):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe):
		if errors.Is(pe.Err, fs.ErrNotExist) {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

// subject names the caller of an authenticated request, or "anonymous"
// when authentication is disabled.
func subject(r *http.Request) string {
	if c, ok := ClaimsFromContext(r.Context()); ok && c.Subject != "" {
		return c.Subject
	}
	return "anonymous"
}
