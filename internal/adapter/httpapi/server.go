package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the REST surface with bounded connection lifetimes so slow or
// stalled clients cannot pin goroutines.
type Server struct {
	inner  *http.Server
	logger *slog.Logger
}

// NewServer wraps the given handler in a configured http.Server.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		inner: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       90 * time.Second,
		},
		logger: logger,
	}
}

// Start listens until Shutdown is called; a graceful stop surfaces as
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("rest api listening", "addr", s.inner.Addr)
	return s.inner.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// ServeHTTP lets tests drive the server without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.inner.Handler.ServeHTTP(w, r)
}
