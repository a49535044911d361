package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/makers"
)

// Pinger is a dependency that must answer for the service to be ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// MakerStates exposes the maker circuit breakers. *makers.Registry implements it.
type MakerStates interface {
	States() []makers.Status
	Reset(id string) error
}

// ChainStatus reports the served chain. *chainclient.Client implements it.
type ChainStatus interface {
	ID() int
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
}

// WorkerStatus reports the running workers. *worker.Pool implements it.
type WorkerStatus interface {
	Addresses() []common.Address
}

// PendingCounter reports unconfirmed nonces per account. *blockchain.NonceManager implements it.
type PendingCounter interface {
	GetPendingTransactionsCount(address common.Address) int
}

// Options holds the dependencies reported on. Nil members are skipped.
type Options struct {
	Port          string
	MetricsAPIKey string
	Checks        map[string]Pinger
	Makers        MakerStates
	Chain         ChainStatus
	Workers       WorkerStatus
	Nonces        PendingCounter
}

// Server represents a health check HTTP server
type Server struct {
	opts   Options
	server *http.Server
	logger logger.Logger
}

// NewServer creates a new health check server
func NewServer(opts Options, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	s := &Server{opts: opts, logger: log}
	s.server = &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/makers/reset", s.handleMakerReset)
	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))
	return mux
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.opts.MetricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.opts.MetricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, check := range s.opts.Checks {
		if err := check.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("%s not ready: %v", name, err)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

type workerStatus struct {
	Address common.Address `json:"address"`
	Pending int            `json:"pending_transactions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]interface{})

	if s.opts.Chain != nil {
		chainStatus := map[string]interface{}{"chain_id": s.opts.Chain.ID()}
		if block, err := s.opts.Chain.GetLatestBlockNumber(r.Context()); err == nil {
			chainStatus["latest_block"] = block
		} else {
			chainStatus["error"] = err.Error()
		}
		status["chain"] = chainStatus
	}

	if s.opts.Makers != nil {
		status["makers"] = s.opts.Makers.States()
	}

	if s.opts.Workers != nil {
		workers := []workerStatus{}
		for _, addr := range s.opts.Workers.Addresses() {
			ws := workerStatus{Address: addr}
			if s.opts.Nonces != nil {
				ws.Pending = s.opts.Nonces.GetPendingTransactionsCount(addr)
			}
			workers = append(workers, ws)
		}
		status["workers"] = workers
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Error encoding status JSON: %v", err)
	}
}

// handleMakerReset closes the circuit of one maker
func (s *Server) handleMakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Makers == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("No maker registry in this process"))
		return
	}

	id := r.URL.Query().Get("maker")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing maker parameter"))
		return
	}

	if err := s.opts.Makers.Reset(id); err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for maker %s reset", id)))
}

// Start serves until Shutdown is called
func (s *Server) Start() {
	s.logger.Info("Starting health and metrics server on port %s", s.opts.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Health server error: %v", err)
	}
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
