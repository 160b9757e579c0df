// Package rpc defines the wire-level contract between OJP clients and
// servers: connection/session descriptors, XA request/response shapes,
// cluster-health serialization, connection hashing, and the AMQP envelope
// both sides exchange (spec.md §6).
package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// Endpoint identifies one OJP server by host:port (spec.md §3 "Server
// endpoint"). Identity is host:port; lifetime is process-wide.
type Endpoint struct {
	Host string
	Port int
}

// String renders the canonical "host:port" form used everywhere the wire
// protocol needs an endpoint identity (SessionInfo.TargetServer, cluster
// health tokens, AMQP queue names).
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// QueueName derives the AMQP queue name a server endpoint listens on
// (spec.md §4.1 companion transport note, SPEC_FULL.md §7.1). Colons are
// not valid in all AMQP broker naming policies, so host/port are joined
// with an underscore.
func (e Endpoint) QueueName() string {
	return fmt.Sprintf("ojp.server.%s_%d", e.Host, e.Port)
}

// ParseEndpoint parses a single "host:port" token.
func ParseEndpoint(s string) (Endpoint, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing port", s)
	}
	host, portStr := s[:idx], s[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseEndpoints parses a comma-separated endpoint list, as found in the
// multinode URL host segment (spec.md §6 "URL format").
func ParseEndpoints(csv string) ([]Endpoint, error) {
	parts := strings.Split(csv, ",")
	out := make([]Endpoint, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ep, err := ParseEndpoint(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no endpoints found in %q", csv)
	}
	return out, nil
}
