package process

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/narvanalabs/searchnode/internal/models"
)

// Prober checks whether a node answers on its HTTP port.
type Prober struct {
	timeout time.Duration
	client  *http.Client
}

// NewProber creates a prober whose individual checks are bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// dialHost maps wildcard bind addresses to loopback.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}

// TCP reports whether something accepts connections on the node's HTTP port.
func (p *Prober) TCP(ctx context.Context, n *models.Node) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(dialHost(n.Host), strconv.Itoa(n.HTTPPort)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// HTTP reports whether the node answers an HTTP request without a server error.
func (p *Prober) HTTP(ctx context.Context, n *models.Node) bool {
	url := fmt.Sprintf("http://%s/", net.JoinHostPort(dialHost(n.Host), strconv.Itoa(n.HTTPPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	// Security-enabled nodes answer 401 while healthy.
	return resp.StatusCode < http.StatusInternalServerError
}
