// Package api implements the HTTP/WebSocket front door (spec §4.6, §6):
// the inference relay endpoint and the statistics feed, following the
// teacher's plain net/http + ServeMux style from internal/rpc rather than
// pulling in a router library.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
)

// Server is the hub's HTTP front door.
type Server struct {
	addr            string
	store           *store.Store
	registry        *registry.Registry
	allowedOrigins  []string
	httpServer      *http.Server
	ln              net.Listener
	httpRateWindow  int
	maxHTTPRequests int
}

// Config configures the HTTP server. AllowedOrigins drives both CORS
// headers and the /ws upgrader's origin check.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// New builds the HTTP server with its routes wired, following the
// teacher's New/Start/Stop/Addr server lifecycle (internal/rpc/server.go).
func New(cfg Config, st *store.Store, reg *registry.Registry) *Server {
	s := &Server{
		addr:            cfg.Addr,
		store:           st,
		registry:        reg,
		allowedOrigins:  cfg.AllowedOrigins,
		httpRateWindow:  60, // minutes (spec §5).
		maxHTTPRequests: 100,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/ws", s.handleStatsWS)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:      s.withCORS(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses are held open indefinitely.
	}
	return s
}

// Start begins listening and serving in the background. It returns once
// the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.HTTP.Error().Err(err).Msg("http server error")
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// clientIP resolves the caller's address per spec §4.6 step 1:
// X-Forwarded-For's first value, falling back to the transport remote
// address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i, c := range xff {
			if c == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
