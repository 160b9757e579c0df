package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openjproxy/ojp/rpc"
)

// DSNConfig holds the parsed configuration from an OJP multinode Data
// Source Name, generalizing the teacher's single-device DSNConfig
// (client/driver.go) to a cluster of OJP server endpoints fronting a
// client-specified backend (spec.md §6 "URL format").
//
// Format: <prefix>://host1:port1[,host2:port2,...]/<dbid>?<props>
//
//   - host1:port1,... are OJP server endpoints (C9's "multinode URL"),
//     not backend database hosts.
//   - <dbid> is a logical backend name; unless a "backend" property is
//     supplied it becomes the ConnectionDetails.URL the server uses to
//     open its own pool, as "<prefix>://<dbid>".
//   - "backend" lets a caller supply the full backend connection string
//     (e.g. "tcp(db-host:3306)/mydb?parseTime=true") when the bare
//     "<prefix>://<dbid>" form isn't enough for the target driver.
//
// Required query properties: amqp_uri. Recognized pool properties
// (forwarded verbatim in ConnectionDetails.Properties, spec.md §6):
// maximumPoolSize, minimumIdle, connectionTimeoutMs, idleTimeoutMs,
// maxLifetime, autoCommit, validationQuery, xa.maximumPoolSize,
// xa.minimumIdle.
type DSNConfig struct {
	Endpoints  []rpc.Endpoint
	AMQPURL    string
	BackendURL string
	User       string
	Password   string
	ClientUUID string
	IsXA       bool
	Unified    bool
	Properties map[string]string

	Timeout           time.Duration
	Debug             bool
	HeartbeatInterval time.Duration

	ReconnectEnabled           bool
	ReconnectMaxAttempts       int
	ReconnectInitialInterval   time.Duration
	ReconnectMaxInterval       time.Duration
	ReconnectBackoffMultiplier float64
	ReconnectResetInterval     time.Duration
}

// poolProperties lists the query keys passed straight through to
// ConnectionDetails.Properties (spec.md §6).
var poolProperties = []string{
	"maximumPoolSize", "minimumIdle", "connectionTimeoutMs", "idleTimeoutMs",
	"maxLifetime", "autoCommit", "validationQuery",
	"xa.maximumPoolSize", "xa.minimumIdle",
}

func parseDSN(dsn string) (*DSNConfig, error) {
	schemeIdx := strings.Index(dsn, "://")
	if schemeIdx < 0 {
		return nil, fmt.Errorf("invalid DSN format: missing scheme, expected '<prefix>://host:port[,host:port...]/<dbid>?props'")
	}
	prefix := dsn[:schemeIdx]
	rest := dsn[schemeIdx+3:]

	hostList, pathAndQuery := rest, ""
	if slash := strings.Index(rest, "/"); slash >= 0 {
		hostList, pathAndQuery = rest[:slash], rest[slash:]
	}

	endpoints, err := rpc.ParseEndpoints(hostList)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN endpoint list: %w", err)
	}

	u, err := url.Parse(pathAndQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN path/query: %w", err)
	}
	dbid := strings.TrimPrefix(u.Path, "/")
	values := u.Query()

	amqpURL := values.Get("amqp_uri")
	if amqpURL == "" {
		return nil, fmt.Errorf("missing required parameter 'amqp_uri' in DSN")
	}
	if !strings.HasPrefix(amqpURL, "amqp://") && !strings.HasPrefix(amqpURL, "amqps://") {
		return nil, fmt.Errorf("invalid amqp_uri format: must start with 'amqp://' or 'amqps://'")
	}

	backendURL := values.Get("backend")
	if backendURL == "" {
		if dbid == "" {
			return nil, fmt.Errorf("DSN must carry either a '<dbid>' path segment or a 'backend' property")
		}
		backendURL = prefix + "://" + dbid
	}

	clientUUID := values.Get("clientUUID")
	if clientUUID == "" {
		clientUUID = uuid.NewString()
	}

	isXA := parseBool(values.Get("isXA"))
	unified := parseBool(values.Get("unified")) || isXA

	timeout := 5 * time.Second
	if v := values.Get("timeout"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format '%s': %v", v, err)
		}
		timeout = parsed
	}

	heartbeatInterval := 30 * time.Second
	if v := values.Get("heartbeatInterval"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err == nil {
			heartbeatInterval = parsed
		}
	}

	props := make(map[string]string)
	for _, key := range poolProperties {
		if v := values.Get(key); v != "" {
			props[key] = v
		}
	}
	if v := values.Get("driver"); v != "" {
		props["driver"] = v
	} else {
		props["driver"] = prefix
	}

	conf := &DSNConfig{
		Endpoints:  endpoints,
		AMQPURL:    amqpURL,
		BackendURL: backendURL,
		User:       values.Get("user"),
		Password:   values.Get("password"),
		ClientUUID: clientUUID,
		IsXA:       isXA,
		Unified:    unified,
		Properties: props,

		Timeout:           timeout,
		Debug:             parseBool(values.Get("debug")),
		HeartbeatInterval: heartbeatInterval,

		ReconnectEnabled:           true,
		ReconnectMaxAttempts:       10,
		ReconnectInitialInterval:   1 * time.Second,
		ReconnectMaxInterval:       60 * time.Second,
		ReconnectBackoffMultiplier: 2.0,
		ReconnectResetInterval:     5 * time.Minute,
	}

	if v := values.Get("reconnect_enabled"); v != "" {
		conf.ReconnectEnabled = parseBool(v)
	}
	if v := values.Get("reconnect_max_attempts"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			conf.ReconnectMaxAttempts = n
		}
	}
	if v := values.Get("reconnect_initial_interval"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			conf.ReconnectInitialInterval = d
		}
	}
	if v := values.Get("reconnect_max_interval"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			conf.ReconnectMaxInterval = d
		}
	}
	if v := values.Get("reconnect_backoff_multiplier"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			conf.ReconnectBackoffMultiplier = f
		}
	}
	if v := values.Get("reconnect_reset_interval"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			conf.ReconnectResetInterval = d
		}
	}

	return conf, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1"
}
