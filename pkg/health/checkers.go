package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/overnode-org/overnode/pkg/types"
)

// HTTPChecker performs HTTP-based health checks
type HTTPChecker struct {
	// URL is the full HTTP URL to check (e.g., "http://127.0.0.1:8080/health")
	URL string

	// ExpectedStatusMin and ExpectedStatusMax bound acceptable status codes (default: 200-399)
	ExpectedStatusMin int
	ExpectedStatusMax int

	Client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &HTTPChecker{
		URL:               url,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            &http.Client{Timeout: timeout},
	}
}

// Check performs the HTTP health check
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, "failed to create request: %v", err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, "request failed: %v", err)
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() types.HealthCheckType {
	return types.HealthCheckHTTP
}

// TCPChecker performs TCP-based health checks
type TCPChecker struct {
	// Address is the TCP address to connect to (e.g., "127.0.0.1:6379")
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(address string, timeout time.Duration) *TCPChecker {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &TCPChecker{
		Address: address,
		Timeout: timeout,
	}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, "connection failed: %v", err)
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() types.HealthCheckType {
	return types.HealthCheckTCP
}

// NewChecker builds the checker a service health check describes
func NewChecker(hc *types.HealthCheck) (Checker, error) {
	if hc == nil {
		return nil, fmt.Errorf("no health check defined")
	}
	cfg := ConfigFor(hc)

	switch hc.Type {
	case types.HealthCheckHTTP:
		url := hc.Endpoint
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "http://" + url
		}
		return NewHTTPChecker(url, cfg.Timeout), nil
	case types.HealthCheckTCP:
		if _, _, err := net.SplitHostPort(hc.Endpoint); err != nil {
			return nil, fmt.Errorf("invalid tcp health endpoint %q: %w", hc.Endpoint, err)
		}
		return NewTCPChecker(hc.Endpoint, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported health check type %q", hc.Type)
	}
}

func failed(start time.Time, format string, args ...interface{}) Result {
	return Result{
		Healthy:   false,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
