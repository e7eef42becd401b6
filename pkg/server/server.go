// Package server exposes roster and attendance sessions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// Service is the part of the pipeline the HTTP adapter drives.
type Service interface {
	Users(ctx context.Context) ([]storage.User, error)
	Present(ctx context.Context) ([]storage.User, error)
	Absent(ctx context.Context) ([]storage.User, error)
	Enroll(ctx context.Context, name string, src pipeline.Source) (*storage.User, error)
	Mark(ctx context.Context, src pipeline.Source) (*pipeline.Result, error)
}

// Options configures the server.
type Options struct {
	Listen         string
	MaxUploadBytes int64
	// RequestTimeout bounds each request; live sessions need it above the
	// session timeout.
	RequestTimeout time.Duration
}

// Server is the HTTP adapter.
type Server struct {
	svc        Service
	opts       Options
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a server for svc.
func New(svc Service, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	s := &Server{svc: svc, opts: opts, router: r}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(opts.RequestTimeout))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      opts.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := logging.Component("server")
	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", s.httpServer.Addr).Info("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// requestLogger logs one line per request through logrus.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.Component("server").WithFields(logging.Fields{
			"request_id": chiMiddleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
		}).Info("request")
	})
}
