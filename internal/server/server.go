// Package server wires the admission pipeline to its two HTTP
// listeners: the request listener (POST / and GET /health) and the
// metrics listener (GET /metrics).
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cppnexus/rpc-shield/internal/jsonrpc"
	"github.com/cppnexus/rpc-shield/internal/metrics"
	"github.com/cppnexus/rpc-shield/internal/pipeline"
)

// Servers bundles the two independently-bound HTTP listeners this
// proxy exposes: the request listener and the metrics scrape
// listener.
type Servers struct {
	Request *http.Server
	Metrics *http.Server
}

// New builds both listeners. reqAddr is "host:port" for the request
// listener; metricsAddr is "host:port" for the metrics listener.
func New(p *pipeline.Pipeline, sink *metrics.Sink, reqAddr, metricsAddr string, logger *slog.Logger) *Servers {
	reqRouter := mux.NewRouter()
	reqRouter.Use(loggingMiddleware(logger))
	reqRouter.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	reqRouter.HandleFunc("/", rpcHandler(p, logger)).Methods(http.MethodPost)

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", sink.Handler()).Methods(http.MethodGet)

	return &Servers{
		Request: &http.Server{
			Addr:              reqAddr,
			Handler:           reqRouter,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Metrics: &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsRouter,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Shutdown gracefully stops both listeners, giving each up to the
// context deadline.
func (s *Servers) Shutdown(ctx context.Context) {
	_ = s.Request.Shutdown(ctx)
	_ = s.Metrics.Shutdown(ctx)
}

// loggingMiddleware logs method, path, remote addr, status, and
// duration for every request on the request listener.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// healthHandler serves GET /health: always 200, unauthenticated,
// and never consults the rate limiter.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "rpc-shield",
	})
}

// rpcHandler serves POST /: decode the inbound JSON-RPC request, run it
// through the admission pipeline, and write the resulting status,
// headers, and body.
func rpcHandler(p *pipeline.Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(jsonrpc.ParseErrorResponse(nil))
			return
		}

		peerIP := peerAddr(r)
		result := p.Process(r.Context(), peerIP, r.Header, req)

		w.Header().Set("Content-Type", "application/json")
		if result.Outcome == metrics.RateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
		}
		w.WriteHeader(result.HTTPStatus)
		if err := json.NewEncoder(w).Encode(result.Response); err != nil {
			logger.Error("failed to encode response", "error", err)
		}
	}
}

// peerAddr extracts the bare IP from r.RemoteAddr, stripping the port.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
