// Package health reports whether the document store and the install root
// are usable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"
)

// Status is the health of one component or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus is the result of one check.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the body of GET /health.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is satisfied by the document stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker performs the health checks.
type Checker struct {
	pinger      Pinger
	installRoot string
	startTime   time.Time
	version     string
	timeout     time.Duration
	mu          sync.RWMutex
}

// NewChecker creates a checker for the document store and install root.
func NewChecker(pinger Pinger, installRoot, version string) *Checker {
	return &Checker{
		pinger:      pinger,
		installRoot: installRoot,
		startTime:   time.Now(),
		version:     version,
		timeout:     5 * time.Second,
	}
}

func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Check runs every check. The store being down makes the service
// unhealthy; a missing install root only degrades it, since the first
// create provisions it.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := map[string]ComponentStatus{
		"document_store": c.checkStore(checkCtx),
		"install_root":   c.checkInstallRoot(),
	}

	overall := StatusHealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if comp.Status == StatusDegraded {
			overall = StatusDegraded
		}
	}

	return &Response{
		Status:     overall,
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

func (c *Checker) checkStore(ctx context.Context) ComponentStatus {
	if c.pinger == nil {
		return ComponentStatus{Status: StatusUnhealthy, Message: "document store not configured"}
	}
	if err := c.pinger.Ping(ctx); err != nil {
		return ComponentStatus{Status: StatusUnhealthy, Message: "document store ping failed: " + err.Error()}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "reachable"}
}

func (c *Checker) checkInstallRoot() ComponentStatus {
	info, err := os.Stat(c.installRoot)
	switch {
	case os.IsNotExist(err):
		return ComponentStatus{Status: StatusDegraded, Message: "install root does not exist yet"}
	case err != nil:
		return ComponentStatus{Status: StatusUnhealthy, Message: err.Error()}
	case !info.IsDir():
		return ComponentStatus{Status: StatusUnhealthy, Message: c.installRoot + " is not a directory"}
	}
	return ComponentStatus{Status: StatusHealthy, Message: c.installRoot}
}

// Handler serves the check. Degraded still answers 200.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(response)
	}
}
