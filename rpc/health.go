package rpc

import (
	"fmt"
	"strings"
)

// EndpointHealth pairs an endpoint with its UP/DOWN status for the purposes
// of serializing a cluster health snapshot (spec.md §3 "Cluster health
// snapshot").
type EndpointHealth struct {
	Endpoint Endpoint
	Up       bool
}

// FormatClusterHealth renders the canonical wire format
// "<host>:<port>(UP|DOWN)(;<host>:<port>(UP|DOWN))*" in the given order
// (spec.md §6 "Cluster health wire format"). The caller is responsible for
// always passing endpoints in the stable order established at client
// startup — FormatClusterHealth does not sort.
func FormatClusterHealth(states []EndpointHealth) string {
	parts := make([]string, len(states))
	for i, s := range states {
		status := "DOWN"
		if s.Up {
			status = "UP"
		}
		parts[i] = fmt.Sprintf("%s(%s)", s.Endpoint.String(), status)
	}
	return strings.Join(parts, ";")
}

// ParseClusterHealth is the inverse of FormatClusterHealth, used by
// CountHealthy (spec.md §8 item 3 states the round-trip invariant).
func ParseClusterHealth(s string) ([]EndpointHealth, error) {
	if s == "" {
		return nil, nil
	}
	tokens := strings.Split(s, ";")
	out := make([]EndpointHealth, 0, len(tokens))
	for _, tok := range tokens {
		open := strings.LastIndex(tok, "(")
		if open < 0 || !strings.HasSuffix(tok, ")") {
			return nil, fmt.Errorf("invalid cluster health token %q", tok)
		}
		epStr := tok[:open]
		status := tok[open+1 : len(tok)-1]
		ep, err := ParseEndpoint(epStr)
		if err != nil {
			return nil, err
		}
		var up bool
		switch status {
		case "UP":
			up = true
		case "DOWN":
			up = false
		default:
			return nil, fmt.Errorf("invalid health status %q in token %q", status, tok)
		}
		out = append(out, EndpointHealth{Endpoint: ep, Up: up})
	}
	return out, nil
}

// CountHealthy parses a cluster health string and counts UP endpoints
// (spec.md §4.6 "countHealthyServers").
func CountHealthy(clusterHealth string) (int, error) {
	states, err := ParseClusterHealth(clusterHealth)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range states {
		if s.Up {
			n++
		}
	}
	return n, nil
}
