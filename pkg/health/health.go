package health

import (
	"context"
	"sync"
	"time"

	"github.com/overnode-org/overnode/pkg/types"
)

// Result represents the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() types.HealthCheckType
}

// Config contains probe settings taken from a service's health check
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  3 * time.Second,
		Retries:  3,
	}
}

// ConfigFor fills unset fields of a service health check with defaults
func ConfigFor(hc *types.HealthCheck) Config {
	cfg := DefaultConfig()
	if hc == nil {
		return cfg
	}
	if hc.Interval > 0 {
		cfg.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		cfg.Timeout = hc.Timeout
	}
	if hc.Retries > 0 {
		cfg.Retries = hc.Retries
	}
	return cfg
}

// Status tracks the health of one container across probes
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	// everHealthy is set by the first successful probe; before that the
	// container is still starting
	everHealthy bool
	healthy     bool
}

// Update records a probe result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.everHealthy = true
		s.healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.healthy = false
	}
}

// State maps the status onto the runtime health vocabulary. A container that
// has not yet passed a probe and has not exhausted its retries is unknown.
func (s *Status) State(config Config) types.HealthState {
	switch {
	case s.ConsecutiveFailures >= config.Retries:
		return types.HealthUnhealthy
	case s.everHealthy && s.healthy:
		return types.HealthHealthy
	default:
		return types.HealthUnknown
	}
}

// Tracker keeps a Status per container
type Tracker struct {
	mu       sync.Mutex
	statuses map[string]*Status
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]*Status)}
}

// Record applies a probe result to a container's status and returns its state
func (t *Tracker) Record(containerID string, result Result, config Config) types.HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.statuses[containerID]
	if !ok {
		s = &Status{}
		t.statuses[containerID] = s
	}
	s.Update(result, config)
	return s.State(config)
}

// Forget drops a container's status, e.g. after it is removed or recreated
func (t *Tracker) Forget(containerID string) {
	t.mu.Lock()
	delete(t.statuses, containerID)
	t.mu.Unlock()
}

// Get returns a copy of a container's status
func (t *Tracker) Get(containerID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[containerID]
	if !ok {
		return Status{}, false
	}
	return *s, true
}
