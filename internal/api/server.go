// Package api serves the operational HTTP surface: liveness, readiness
// with dependency checks, and the Prometheus scrape endpoint. It carries no
// business operations; users are managed by an external CRUD service.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/greeting-service/internal/metrics"
)

// BrokerChecker reports broker connectivity and queue depths.
type BrokerChecker interface {
	Ping() error
	QueueDepths() (main, dead int, err error)
}

// Server is the operational HTTP listener shared by both deployments.
type Server struct {
	db      *sql.DB
	broker  BrokerChecker
	metrics *metrics.Metrics
	http    *http.Server
}

// NewServer assembles the router. broker may be nil for deployments that
// do not hold a broker connection.
func NewServer(addr string, db *sql.DB, broker BrokerChecker, m *metrics.Metrics) *Server {
	s := &Server{db: db, broker: broker, metrics: m}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener in the background.
func (s *Server) Start() {
	go func() {
		log.Printf("[API] Listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[API] Listener error: %v", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealth is pure liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Queues map[string]int    `json:"queues,omitempty"`
}

// handleReady checks the dependencies this process needs to do work.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out := readiness{Status: "ok", Checks: map[string]string{}}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			out.Status = "degraded"
			out.Checks["database"] = err.Error()
		} else {
			out.Checks["database"] = "ok"
		}
	}

	if s.broker != nil {
		if err := s.broker.Ping(); err != nil {
			out.Status = "degraded"
			out.Checks["broker"] = err.Error()
		} else {
			out.Checks["broker"] = "ok"
			if main, dead, err := s.broker.QueueDepths(); err == nil {
				out.Queues = map[string]int{"main": main, "dead_letter": dead}
				s.metrics.QueueDepth.WithLabelValues("main").Set(float64(main))
				s.metrics.QueueDepth.WithLabelValues("dead_letter").Set(float64(dead))
			}
		}
	}

	code := http.StatusOK
	if out.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Encode response: %v", err)
	}
}
