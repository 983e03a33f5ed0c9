package health

import (
	"context"
	"sync"
	"time"
)

// Component status values
const (
	StatusOK   = "ok"
	StatusDown = "down"
	StatusOff  = "off" // component not configured, not an error
)

const (
	defaultCheckTimeout = 3 * time.Second
	defaultCacheTTL     = 5 * time.Second
)

// Component is the health of one backing service
type Component struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the full health response
type Report struct {
	Status     string      `json:"status"` // "ok" or "degraded"
	Version    string      `json:"version"`
	Uptime     string      `json:"uptime"`
	Components []Component `json:"components"`
}

// CheckFunc probes one component. A nil error means healthy; checks for
// unconfigured components should be registered with RegisterOff instead.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc // nil means permanently off
}

// Service runs component health checks. Results are cached briefly so a
// scraping load balancer cannot hammer the backing stores.
type Service struct {
	version   string
	startedAt time.Time

	mu     sync.Mutex
	checks []check
	cached *Report
	at     time.Time
	ttl    time.Duration
}

// NewService creates a new health service
func NewService(version string) *Service {
	return &Service{
		version:   version,
		startedAt: time.Now(),
		ttl:       defaultCacheTTL,
	}
}

// Register adds a component check
func (s *Service) Register(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, check{name: name, fn: fn})
}

// RegisterOff records a component that is not configured on this server.
// It always reports "off" and never counts against overall health.
func (s *Service) RegisterOff(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, check{name: name})
}

// Report probes every registered component in parallel and returns the
// aggregate. Within the cache TTL the previous result is reused.
func (s *Service) Report(ctx context.Context) *Report {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.at) < s.ttl {
		cached := s.cached
		s.mu.Unlock()
		return cached
	}
	checks := make([]check, len(s.checks))
	copy(checks, s.checks)
	s.mu.Unlock()

	components := make([]Component, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			components[i] = s.probe(ctx, c)
		}(i, c)
	}
	wg.Wait()

	overall := StatusOK
	for _, comp := range components {
		if comp.Status == StatusDown {
			overall = "degraded"
			break
		}
	}

	report := &Report{
		Status:     overall,
		Version:    s.version,
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Components: components,
	}

	s.mu.Lock()
	s.cached = report
	s.at = time.Now()
	s.mu.Unlock()
	return report
}

func (s *Service) probe(ctx context.Context, c check) Component {
	comp := Component{Name: c.name, CheckedAt: time.Now().UTC()}
	if c.fn == nil {
		comp.Status = StatusOff
		return comp
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	start := time.Now()
	err := c.fn(checkCtx)
	comp.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		comp.Status = StatusDown
		comp.Error = err.Error()
	} else {
		comp.Status = StatusOK
	}
	return comp
}
