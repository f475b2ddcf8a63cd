package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"json-upsert/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func NewHandler(m *metrics.Metrics, reg *prometheus.Registry) *Handler {
	return &Handler{
		metrics:  m,
		registry: reg,
	}
}

// Routes
//
//   - /metrics : Prometheus exposition of the run counters
//   - /stats   : the same counters as plain "name=value" lines
//   - /health  : liveness, always "ok" while the run is going
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// HandleStats dumps every counter in text form.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// Server is the optional observability listener that lives for one run.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves h in the background.
func Start(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		srv: &http.Server{
			Handler:      h,
			ReadTimeout:  8 * time.Second,
			WriteTimeout: 8 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ln: ln,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics listener stopped")
		}
	}()

	log.Info().Str("addr", s.Addr()).Msg("metrics listener started")
	return s, nil
}

// Addr is the bound address (useful with ":0").
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
