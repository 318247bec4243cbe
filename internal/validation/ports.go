package validation

import (
	"net"
	"strconv"
)

// PortChecker reports whether the host can bind a port.
type PortChecker interface {
	Available(host string, port int) bool
}

// NetPortChecker binds the port and immediately releases it.
type NetPortChecker struct{}

// Available reports whether host:port can be bound right now.
func (NetPortChecker) Available(host string, port int) bool {
	switch host {
	case "", "localhost", "_local_":
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
