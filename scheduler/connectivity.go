package scheduler

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"
)

// Connectivity reports whether the collector is likely reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline is a Connectivity that never blocks a job.
type AlwaysOnline struct{}

// Online always returns true.
func (AlwaysOnline) Online(context.Context) bool { return true }

// TCPProbe dials a host:port and treats a completed handshake as online.
type TCPProbe struct {
	// Addr returns the address to dial. An empty address counts as online so
	// an unconfigured relay still runs its jobs and soft-skips inside them.
	Addr    func() string
	Timeout time.Duration
}

// Online dials the probe address once.
func (p TCPProbe) Online(ctx context.Context) bool {
	if p.Addr == nil {
		return true
	}
	addr := strings.TrimSpace(p.Addr())
	if addr == "" {
		return true
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ProbeAddr derives host:port from a collector base URL. It returns "" when
// the URL is empty or unparseable.
func ProbeAddr(serverURL string) string {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return ""
	}
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Hostname() == "" {
		return ""
	}

	port := parsed.Port()
	if port == "" {
		switch parsed.Scheme {
		case "http":
			port = "80"
		default:
			port = "443"
		}
	}
	return net.JoinHostPort(parsed.Hostname(), port)
}
