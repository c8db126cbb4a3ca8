package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/siphon/internal/assembler"
	"github.com/ligustah/siphon/internal/session"
	"github.com/ligustah/siphon/pkg/artifact"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 10 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for requests and lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server exposes a session and its artifacts over HTTP.
type Server struct {
	session *session.Session
	store   *artifact.Store
	logger  *zap.Logger
	router  chi.Router
}

// New creates a server for sess. Artifacts are served from store.
func New(sess *session.Session, store *artifact.Store, opts ...Option) *Server {
	s := &Server{
		session: sess,
		store:   store,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.CleanPath)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)

	r.Get("/health", s.health)

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", s.startDownload)
		r.Get("/current", s.currentDownload)
		r.Delete("/current", s.cancelDownload)
	})

	r.Get("/artifacts/{id}", s.serveArtifact)

	return r
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type startRequest struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

type startResponse struct {
	URL      string `json:"url"`
	Total    int64  `json:"total"`
	Filename string `json:"filename"`
}

type stateResponse struct {
	assembler.State
	SourceURL string `json:"source_url,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	var opts []session.StartOption
	if req.Name != "" {
		opts = append(opts, session.WithFilename(req.Name))
	}

	h, err := s.session.Start(r.Context(), req.URL, opts...)
	switch {
	case errors.Is(err, session.ErrDownloadInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{
		URL:      h.URL,
		Total:    h.Total,
		Filename: h.Filename,
	})
}

func (s *Server) currentDownload(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{State: s.session.State()}
	if h, ok := s.session.Current(); ok {
		resp.SourceURL = h.URL
		resp.Total = h.Total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request) {
	if !s.session.Cancel() {
		writeError(w, http.StatusNotFound, "no download in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, err := s.store.Stat(r.Context(), id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.logger.Error("stat artifact", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	rd, err := s.store.OpenID(r.Context(), id)
	if err != nil {
		// Revoked between Stat and Open.
		if errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.logger.Error("open artifact", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rd.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": info.Filename,
		}))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rd); err != nil {
		s.logger.Debug("artifact transfer aborted", zap.String("id", id), zap.Error(err))
	}
}

// logRequests logs each request with its status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("size", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
