// Package health provides health check functionality
package health

import (
	"sync"
	"time"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded, unhealthy
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical,omitempty"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports a component's current health
type Probe func() (healthy bool, message string)

type probe struct {
	fn       Probe
	critical bool
}

// Checker tracks health of system components
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	probes     map[string]probe
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		probes:     make(map[string]probe),
	}
}

// SetComponent updates a component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Critical:  c.probes[name].critical,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// Register adds a probe evaluated on every status request. A failing
// critical component makes the whole system unhealthy rather than degraded.
func (c *Checker) Register(name string, critical bool, fn Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe{fn: fn, critical: critical}
}

// refresh runs every registered probe
func (c *Checker) refresh() {
	c.mu.RLock()
	probes := make(map[string]probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	for name, p := range probes {
		healthy, message := p.fn()
		c.SetComponent(name, healthy, message)
	}
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.refresh()

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "ok"
	for _, check := range c.components {
		if check.Healthy {
			continue
		}
		if check.Critical {
			status = "unhealthy"
			break
		}
		status = "degraded"
	}

	// Copy components map
	components := make(map[string]Check)
	for k, v := range c.components {
		components[k] = v
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	c.refresh()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, check := range c.components {
		if !check.Healthy {
			return false
		}
	}
	return true
}
