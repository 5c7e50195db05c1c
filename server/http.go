// Package server exposes the cache over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/download"
	"github.com/wolfeidau/booru-cache/site"
	"github.com/wolfeidau/booru-cache/telemetry"
)

const maxRequestBody = 64 << 10

// Cache is the part of client.Client the API serves.
type Cache interface {
	ResolveTag(ctx context.Context, s boorucache.Site, name string) (boorucache.Tag, error)
	ResolveUser(ctx context.Context, s boorucache.Site, id int64) (boorucache.User, error)
	RecentTags(ctx context.Context, s boorucache.Site, limit int) ([]boorucache.Tag, error)
	RecentUsers(ctx context.Context, s boorucache.Site, limit int) ([]boorucache.User, error)
	Download(ctx context.Context, req download.Request) (boorucache.DownloadedFile, error)
	ClearSite(ctx context.Context, s boorucache.Site) (int, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on API routes.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	cache      Cache
}

// New creates a server for cache.
func New(cfg Config, cache Cache) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		cache:  cache,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(s.authMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /v1/sites/{site}/tags/{name}", s.handleTag)
	mux.HandleFunc("GET /v1/sites/{site}/users/{id}", s.handleUser)
	mux.HandleFunc("GET /v1/sites/{site}/recent/{kind}", s.handleRecent)
	mux.HandleFunc("DELETE /v1/sites/{site}", s.handleClear)
	mux.HandleFunc("POST /v1/downloads", s.handleDownload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	tag, err := s.cache.ResolveTag(r.Context(), boorucache.Site(r.PathValue("site")), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("user id must be a positive integer"))
		return
	}
	user, err := s.cache.ResolveUser(r.Context(), boorucache.Site(r.PathValue("site")), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}

	st := boorucache.Site(r.PathValue("site"))
	var (
		v   any
		err error
	)
	switch r.PathValue("kind") {
	case "tags":
		v, err = s.cache.RecentTags(r.Context(), st, limit)
	case "users":
		v, err = s.cache.RecentUsers(r.Context(), st, limit)
	default:
		writeJSON(w, http.StatusNotFound, errorBody("unknown kind"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.ClearSite(r.Context(), boorucache.Site(r.PathValue("site")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// downloadRequest is the body of POST /v1/downloads.
type downloadRequest struct {
	URL     string `json:"url"`
	Site    string `json:"site"`
	PostID  int64  `json:"post_id"`
	Quality string `json:"quality"`
	Name    string `json:"name"`
	Referer string `json:"referer,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var body downloadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if body.URL == "" || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("url and name are required"))
		return
	}

	file, err := s.cache.Download(r.Context(), download.Request{
		URL:     body.URL,
		Site:    boorucache.Site(body.Site),
		PostID:  body.PostID,
		Quality: body.Quality,
		Name:    body.Name,
		Referer: body.Referer,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// writeError maps resolution errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, site.ErrUnknownSite), errors.Is(err, boorucache.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, boorucache.ErrExhaustedRetries):
		status = http.StatusBadGateway
	case errors.Is(err, boorucache.ErrCancelled), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs each request and records it in metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
		)
		telemetry.RecordHTTP(r.Context(), route, wrapped.status, duration)
	})
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", "address", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter captures the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
