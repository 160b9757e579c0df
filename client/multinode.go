package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openjproxy/ojp/ojperrors"
	"github.com/openjproxy/ojp/rpc"
)

// MultinodeManager is the client-side Multinode Connection Manager
// (spec.md §4.1, C9). It holds the endpoint list parsed from the
// multinode DSN, per-endpoint health, and delegates session<->endpoint
// bookkeeping to a SessionTracker (C10). A single instance is shared by
// every Conn/Stmt/Tx opened from the same sql.Open call, generalizing the
// teacher's one-device-per-Conn model (client/conn.go) to a cluster of
// OJP server endpoints reachable over one AMQP broker connection.
type MultinodeManager struct {
	connMgr    *ConnectionManager
	endpoints  []rpc.Endpoint // stable order established at startup
	clientUUID string
	unified    bool // true for XA connections or an explicitly unified DSN

	mu     sync.RWMutex
	health map[rpc.Endpoint]bool
	rr     int

	sessions *SessionTracker
}

func NewMultinodeManager(connMgr *ConnectionManager, endpoints []rpc.Endpoint, clientUUID string, unified bool) *MultinodeManager {
	health := make(map[rpc.Endpoint]bool, len(endpoints))
	for _, ep := range endpoints {
		health[ep] = true
	}
	return &MultinodeManager{
		connMgr:    connMgr,
		endpoints:  endpoints,
		clientUUID: clientUUID,
		unified:    unified,
		health:     health,
		sessions:   NewSessionTracker(),
	}
}

// ClusterHealth serializes the current endpoint health in startup order
// (spec.md §4.1 generateClusterHealth, §6 wire format).
func (m *MultinodeManager) ClusterHealth() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make([]rpc.EndpointHealth, len(m.endpoints))
	for i, ep := range m.endpoints {
		states[i] = rpc.EndpointHealth{Endpoint: ep, Up: m.health[ep]}
	}
	return rpc.FormatClusterHealth(states)
}

func (m *MultinodeManager) endpointStrings() []string {
	out := make([]string, len(m.endpoints))
	for i, ep := range m.endpoints {
		out[i] = ep.String()
	}
	return out
}

// Call issues env against target, generalizing the teacher's
// per-query channel/reply-queue dance in client/conn.go and
// client/tx.go to an arbitrary envelope and endpoint. A connection-level
// failure marks target DOWN so the next outgoing request's clusterHealth
// snapshot reflects it (spec.md §4.1 "Failure").
func (m *MultinodeManager) Call(ctx context.Context, target rpc.Endpoint, env rpc.Envelope) (rpc.Envelope, error) {
	env.ClusterHealth = m.ClusterHealth()
	conn, err := m.connMgr.GetConnection()
	if err != nil {
		m.MarkUnhealthy(target, err)
		return rpc.Envelope{}, err
	}
	rpcClient := rpc.NewClient(conn)
	reply, err := rpcClient.Call(ctx, target, env)
	if err != nil {
		if ojperrors.IsConnectionLevel(err) {
			m.MarkUnhealthy(target, err)
		}
		return reply, err
	}
	return reply, nil
}

// MarkUnhealthy flips target to DOWN, only ever called for a cause the
// Error Classifier (C11) judges connection-level — pool-exhaustion errors
// must never reach here (spec.md §4.1 "Failure").
func (m *MultinodeManager) MarkUnhealthy(ep rpc.Endpoint, cause error) {
	if !ojperrors.IsConnectionLevel(cause) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[ep] = false
}

// MarkHealthy flips target back to UP, driven by a successful heartbeat
// probe (client/heartbeat.go).
func (m *MultinodeManager) MarkHealthy(ep rpc.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[ep] = true
}

func (m *MultinodeManager) pickHealthyEndpoint() (rpc.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.endpoints)
	for i := 0; i < n; i++ {
		idx := (m.rr + i) % n
		ep := m.endpoints[idx]
		if m.health[ep] {
			m.rr = idx + 1
			return ep, nil
		}
	}
	return rpc.Endpoint{}, fmt.Errorf("no healthy OJP server endpoint available among %v", m.endpoints)
}

// Connect implements spec.md §4.1 connect(details, isXA): unified mode
// (XA or an explicitly unified DSN) fans out to every endpoint and binds
// every returned session, designating the first successful one primary;
// otherwise it picks one healthy endpoint by round-robin and binds the
// single returned session.
func (m *MultinodeManager) Connect(ctx context.Context, details rpc.ConnectionDetails) (rpc.SessionInfo, error) {
	details.ClientUUID = m.clientUUID
	details.ServerEndpoints = m.endpointStrings()
	details.ClusterHealth = m.ClusterHealth()

	if details.IsXA || m.unified {
		primary, _, err := m.ConnectAll(ctx, details)
		return primary, err
	}
	return m.connectOne(ctx, details)
}

func (m *MultinodeManager) connectOne(ctx context.Context, details rpc.ConnectionDetails) (rpc.SessionInfo, error) {
	ep, err := m.pickHealthyEndpoint()
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	info, err := m.connectTo(ctx, ep, details)
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	m.sessions.Bind(info.SessionUUID, ep)
	return info, nil
}

// ConnectAll fans connect out to every configured endpoint, binding each
// session it gets back. It is used both for XA connections (one branch
// per participating server) and for an explicitly unified non-XA DSN.
// The first endpoint (in startup order) to succeed becomes primary; a
// connect failure on a non-primary endpoint is tolerated and that
// endpoint is simply left out of the binding set, since XA fan-out
// operations iterate the binding map, not the endpoint list.
func (m *MultinodeManager) ConnectAll(ctx context.Context, details rpc.ConnectionDetails) (rpc.SessionInfo, map[rpc.Endpoint]rpc.SessionInfo, error) {
	details.ClientUUID = m.clientUUID
	details.ServerEndpoints = m.endpointStrings()
	details.ClusterHealth = m.ClusterHealth()

	m.mu.RLock()
	endpoints := append([]rpc.Endpoint(nil), m.endpoints...)
	m.mu.RUnlock()

	bindings := make(map[rpc.Endpoint]rpc.SessionInfo, len(endpoints))
	var primary rpc.SessionInfo
	var firstErr error
	for _, ep := range endpoints {
		info, err := m.connectTo(ctx, ep, details)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.sessions.Bind(info.SessionUUID, ep)
		bindings[ep] = info
		if primary.SessionUUID == "" {
			primary = info
		}
	}
	if primary.SessionUUID == "" {
		if firstErr == nil {
			firstErr = fmt.Errorf("no endpoint accepted the connection")
		}
		return rpc.SessionInfo{}, nil, firstErr
	}
	return primary, bindings, nil
}

func (m *MultinodeManager) connectTo(ctx context.Context, ep rpc.Endpoint, details rpc.ConnectionDetails) (rpc.SessionInfo, error) {
	payload, err := json.Marshal(details)
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	reply, err := m.Call(ctx, ep, rpc.Envelope{Type: rpc.TypeConnect, Payload: payload})
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	var info rpc.SessionInfo
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		return rpc.SessionInfo{}, err
	}
	return info, nil
}

// AffinityServer implements spec.md §4.1 affinityServer(sessionUUID):
// lookup in the binding map, with a not-found treated as the hard
// diagnostic error the spec prescribes.
func (m *MultinodeManager) AffinityServer(sessionUUID string) (rpc.Endpoint, error) {
	ep, ok := m.sessions.Lookup(sessionUUID)
	if !ok {
		return rpc.Endpoint{}, ojperrors.ErrSessionNotBound(sessionUUID, m.sessions.BoundUUIDs())
	}
	return ep, nil
}

// Forget drops a session's binding. Conn.terminate calls it after the
// terminate RPC whether or not that RPC succeeded.
func (m *MultinodeManager) Forget(sessionUUID string) {
	m.sessions.Unregister(sessionUUID)
}

// ExecuteOnAllServers fans op out across bindings with per-server result
// collection (spec.md §4.1), used by the XA façade to replicate a branch
// operation to every participating endpoint.
func (m *MultinodeManager) ExecuteOnAllServers(ctx context.Context, bindings map[rpc.Endpoint]rpc.SessionInfo, op func(context.Context, rpc.Endpoint, rpc.SessionInfo) error) map[rpc.Endpoint]error {
	results := make(map[rpc.Endpoint]error, len(bindings))
	for ep, info := range bindings {
		results[ep] = op(ctx, ep, info)
	}
	return results
}

// Endpoints returns the stable, startup-ordered endpoint list.
func (m *MultinodeManager) Endpoints() []rpc.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]rpc.Endpoint(nil), m.endpoints...)
}

// IsHealthy reports whether ep is currently considered UP.
func (m *MultinodeManager) IsHealthy(ep rpc.Endpoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health[ep]
}
