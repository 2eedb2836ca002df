// Package api implements the HTTP boundary (spec §6): nine routes over the
// VM Pool Orchestrator, JSON request/response bodies, and a uniform
// 200/JSON-on-success, 500/text-on-failure error mapping.
package api

import (
	"net/http"

	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/vmpool"
)

// ServerConfig contains the dependencies for the HTTP server.
type ServerConfig struct {
	Pool *vmpool.Pool
}

// NewServer builds the configured http.Server, with access logging and
// tracing middleware wrapped around the route mux.
func NewServer(addr string, cfg ServerConfig) *http.Server {
	h := &Handler{Pool: cfg.Pool, AccessLog: logging.DefaultAccessLogger()}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)
	handler = h.accessLogMiddleware(handler)

	return &http.Server{
		Addr:    addr,
		Handler: handler,
	}
}

// StartHTTPServer builds and starts the server in the background,
// matching the teacher's non-blocking bootstrap shape.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := NewServer(addr, cfg)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()
	return server
}
