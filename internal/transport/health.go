package transport

import (
	"sort"
	"sync"
	"time"
)

// HealthConfig tunes the per-endpoint circuit.
type HealthConfig struct {
	FailureThreshold int           // consecutive failures before an endpoint is demoted
	CircuitTimeout   time.Duration // how long a demoted endpoint stays demoted
}

// DefaultHealthConfig returns the default circuit settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type endpointHealth struct {
	failures  int
	healthyAt time.Time
	failedAt  time.Time
}

// healthTracker remembers which base URLs have been failing. Demoted
// endpoints are never skipped, only tried after the healthy ones.
type healthTracker struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointHealth
	cfg       HealthConfig
	now       func() time.Time
}

func newHealthTracker(cfg HealthConfig) *healthTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultHealthConfig().FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = DefaultHealthConfig().CircuitTimeout
	}
	return &healthTracker{
		endpoints: make(map[string]*endpointHealth),
		cfg:       cfg,
		now:       time.Now,
	}
}

func (h *healthTracker) RecordFailure(baseURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.endpoints[baseURL]
	if !ok {
		e = &endpointHealth{healthyAt: h.now()}
		h.endpoints[baseURL] = e
	}
	e.failures++
	e.failedAt = h.now()
}

func (h *healthTracker) RecordSuccess(baseURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.endpoints[baseURL]
	if !ok {
		e = &endpointHealth{}
		h.endpoints[baseURL] = e
	}
	e.failures = 0
	e.healthyAt = h.now()
}

func (h *healthTracker) unhealthyLocked(baseURL string) bool {
	e, ok := h.endpoints[baseURL]
	if !ok || e.failures < h.cfg.FailureThreshold {
		return false
	}
	return h.now().Sub(e.failedAt) < h.cfg.CircuitTimeout
}

// Order returns urls with healthy endpoints first, preserving the declared
// order within each group. demote marks additional endpoints to try last.
func (h *healthTracker) Order(urls []string, demote func(string) bool) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	healthy := make([]string, 0, len(urls))
	var late []string
	for _, u := range urls {
		if h.unhealthyLocked(u) || (demote != nil && demote(u)) {
			late = append(late, u)
			continue
		}
		healthy = append(healthy, u)
	}
	return append(healthy, late...)
}

// EndpointStats describes one tracked endpoint.
type EndpointStats struct {
	BaseURL   string    `json:"base_url"`
	Failures  int       `json:"failures"`
	Unhealthy bool      `json:"unhealthy"`
	HealthyAt time.Time `json:"healthy_at"`
}

// HealthStats summarizes endpoint health.
type HealthStats struct {
	Tracked        int             `json:"tracked"`
	UnhealthyCount int             `json:"unhealthy_count"`
	Endpoints      []EndpointStats `json:"endpoints"`
}

func (h *healthTracker) Stats() HealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HealthStats{Tracked: len(h.endpoints)}
	for u, e := range h.endpoints {
		bad := h.unhealthyLocked(u)
		if bad {
			stats.UnhealthyCount++
		}
		stats.Endpoints = append(stats.Endpoints, EndpointStats{
			BaseURL:   u,
			Failures:  e.failures,
			Unhealthy: bad,
			HealthyAt: e.healthyAt,
		})
	}
	sort.Slice(stats.Endpoints, func(i, j int) bool {
		return stats.Endpoints[i].BaseURL < stats.Endpoints[j].BaseURL
	})
	return stats
}
