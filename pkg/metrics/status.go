package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the JSON body served by the agent health endpoints
type Status struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single agent component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// StatusBoard aggregates the health of the agent's components
type StatusBoard struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

// NewStatusBoard creates a board whose readiness depends on the critical components
func NewStatusBoard(version string, critical ...string) *StatusBoard {
	sorted := append([]string(nil), critical...)
	sort.Strings(sorted)
	return &StatusBoard{
		components: make(map[string]ComponentHealth),
		critical:   sorted,
		startTime:  time.Now(),
		version:    version,
	}
}

// Set records the current health of a component
func (b *StatusBoard) Set(name string, healthy bool, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Health returns the overall health
func (b *StatusBoard) Health() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(b.components))
	for name, comp := range b.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    b.version,
		Uptime:     time.Since(b.startTime).String(),
	}
}

// Readiness reports whether every critical component is registered and healthy
func (b *StatusBoard) Readiness() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(b.critical))

	for _, name := range b.critical {
		comp, exists := b.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    b.version,
		Uptime:     time.Since(b.startTime).String(),
	}
}

// Mux returns the agent's HTTP surface: /metrics, /health and /ready
func (b *StatusBoard) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := b.Health()
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := b.Readiness()
		code := http.StatusOK
		if ready.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, ready)
	})
	return mux
}

func writeStatus(w http.ResponseWriter, code int, status Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
