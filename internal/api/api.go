// Package api provides the HTTP server of Curio.
//
// It exposes the tutoring turn endpoint used by the frontend, read-only conversation viewer
// endpoints and a health check. Routing uses gorilla/mux.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/store"
	"github.com/gorilla/mux"
)

// Default server settings.
const (
	DefaultAddr              = ":5000"
	DefaultFrontendOrigin    = "http://localhost:5173"
	DefaultMaxBodyBytes      = 1 << 20
	DefaultShutdownTimeout   = 10 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

// TurnProcessor runs one tutoring turn.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResponse, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	AllowedOrigins  []string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithAllowedOrigins sets the origins allowed by CORS. "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) {
		for _, origin := range origins {
			if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
				o.AllowedOrigins = append(o.AllowedOrigins, origin)
			}
		}
	}
}

// WithMaxBodyBytes limits the size of request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) {
		o.MaxBodyBytes = n
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight requests on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	tutor   TurnProcessor
	st      store.Store
	opts    Opts
	handler http.Handler
}

// NewServer creates a server over a turn processor and the conversation store.
func NewServer(tutor TurnProcessor, st store.Store, opts ...Option) *Server {
	o := Opts{
		Addr:            DefaultAddr,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{DefaultFrontendOrigin}
	}

	s := &Server{tutor: tutor, st: st, opts: o}
	s.handler = logRequests(corsMiddleware(o.AllowedOrigins)(s.routes()))
	slog.Debug("Server.NewServer: created", "addr", o.Addr, "allowedOrigins", o.AllowedOrigins)
	return s
}

// Handler returns the HTTP handler of the server. CORS preflight requests are answered for
// every path before routing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/chat", s.chatHandler).Methods(http.MethodPost)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	conv := r.PathPrefix("/api/conversations").Subrouter()
	conv.HandleFunc("", s.listConversationsHandler).Methods(http.MethodGet)
	conv.HandleFunc("/{id}", s.getConversationHandler).Methods(http.MethodGet)
	conv.HandleFunc("/{id}/download", s.downloadConversationHandler).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}
