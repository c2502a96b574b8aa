// Package health checks that the backend answers on its HTTP health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loykin/warden/internal/metrics"
)

// ErrHealthCheckFailure wraps every failed probe: transport errors and non-2xx answers.
var ErrHealthCheckFailure = errors.New("health check failed")

// DefaultTimeout bounds a single probe so a hung backend cannot stall the caller.
const DefaultTimeout = 5 * time.Second

// Recorder receives probe outcomes. The supervisor's record store implements it.
type Recorder interface {
	ObserveHealthy(at time.Time)
	ObserveUnhealthy(at time.Time, reason string)
}

// Probe issues GET requests to URL. Any 2xx answer is healthy.
type Probe struct {
	Name    string
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// New returns a probe with its own client bounded by timeout.
func New(name, rawURL string, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{
		Name:    name,
		URL:     rawURL,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Ping performs one request and returns nil only for a 2xx response.
func (p *Probe) Ping(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrHealthCheckFailure, err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrHealthCheckFailure, resp.StatusCode)
	}
	return nil
}

// Check pings once and reports the outcome to rec. It never kills anything.
func (p *Probe) Check(ctx context.Context, rec Recorder) bool {
	return p.Report(ctx, rec) == nil
}

// Report is Check returning the probe error.
func (p *Probe) Report(ctx context.Context, rec Recorder) error {
	err := p.Ping(ctx)
	now := time.Now()
	metrics.ObserveHealthCheck(p.Name, err == nil)
	if rec != nil {
		if err == nil {
			rec.ObserveHealthy(now)
		} else {
			rec.ObserveUnhealthy(now, err.Error())
		}
	}
	return err
}

// Port extracts the TCP port from a health URL, falling back to the scheme default.
func Port(rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	if ps := u.Port(); ps != "" {
		return strconv.Atoi(ps)
	}
	switch u.Scheme {
	case "https":
		return 443, nil
	case "http":
		return 80, nil
	}
	return 0, fmt.Errorf("no port in %q", rawURL)
}
