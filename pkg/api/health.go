package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/overnode-org/overnode/pkg/metrics"
)

// HealthServer serves the agent's /health, /ready and /metrics endpoints
type HealthServer struct {
	board  *metrics.StatusBoard
	mux    *http.ServeMux
	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewHealthServer creates a health server reporting the board's components
func NewHealthServer(board *metrics.StatusBoard) *HealthServer {
	mux := http.NewServeMux()
	mux.Handle("/", getOnly(board.Mux()))
	return &HealthServer{board: board, mux: mux}
}

// Start serves on addr until Shutdown
func (hs *HealthServer) Start(addr string) error {
	hs.mu.Lock()
	if hs.closed {
		hs.mu.Unlock()
		return nil
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.server = server
	hs.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	hs.closed = true
	server := hs.server
	hs.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}
