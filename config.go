package rescon

import (
	"crypto/tls"
	"time"
)

// ProtocolVersion selects HELLO negotiation, per spec.md §6.
type ProtocolVersion int

const (
	RESP2 ProtocolVersion = 2
	RESP3 ProtocolVersion = 3
)

// TLSConfig controls the transport TLS profile, adapted from the teacher's
// own TLSServer dial/listen options.
type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string

	// VerifyMode selects between standard verification and an insecure
	// mode retained only for local development against self-signed certs.
	VerifyMode TLSVerifyMode
}

type TLSVerifyMode uint8

const (
	VerifyFull TLSVerifyMode = iota
	VerifyInsecure
)

func (c *TLSConfig) buildTLSConfig() (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}
	cfg := &tls.Config{}
	if c.VerifyMode == VerifyInsecure {
		cfg.InsecureSkipVerify = true
	}
	if c.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, newError(KindConfig, "loading client certificate", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CACert != "" {
		pool, err := loadCAPool(c.CACert)
		if err != nil {
			return nil, newError(KindConfig, "loading CA certificate", err)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ReconnectPolicy controls the connection manager's backoff loop, per
// spec.md §4.3, implemented with the same shape as jpillora/backoff's
// Backoff type (base/max/jitter), wired directly in manager.go.
type ReconnectPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	MaxAttempts  int // 0 means infinite
}

func (r ReconnectPolicy) withDefaults() ReconnectPolicy {
	if r.BaseDelay <= 0 {
		r.BaseDelay = 50 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 10 * time.Second
	}
	return r
}

// SentinelConfig configures failover resolution, per spec.md §4.4.
type SentinelConfig struct {
	Addrs          []Endpoint
	ServiceName    string
	ResolveTimeout time.Duration
}

// ClusterConfig configures cluster-mode topology discovery, per spec.md
// §4.5.
type ClusterConfig struct {
	SeedAddrs []Endpoint

	// ReadFromReplicas opts Client.DoReadOnly into routing to a shard
	// replica (after issuing READONLY once per connection) instead of
	// always reading from the master.
	ReadFromReplicas bool

	// ClusterDownWait bounds how long the router pauses before refreshing
	// topology and retrying after a CLUSTERDOWN reply. 0 uses a built-in
	// default.
	ClusterDownWait time.Duration
}

// Config is the full per-client configuration surface of spec.md §6.
type Config struct {
	Endpoints []Endpoint
	Sentinel  *SentinelConfig
	Cluster   *ClusterConfig

	TLS      *TLSConfig
	Username string
	Password string
	Database int

	ClientName      string
	ProtocolVersion ProtocolVersion

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Reconnect ReconnectPolicy

	MaxRetriesPerCommand   int
	SubmissionQueueCapacity int
	MaxFrameSize           int
	KeepAlive              time.Duration
}

// DefaultConfig returns a Config with the teacher-style conservative
// defaults spec.md leaves to the implementer.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:         RESP2,
		ConnectTimeout:          5 * time.Second,
		CommandTimeout:          0,
		Reconnect:               ReconnectPolicy{}.withDefaults(),
		MaxRetriesPerCommand:    maxRetryReasons,
		SubmissionQueueCapacity: 1024,
		MaxFrameSize:            512 << 20,
		KeepAlive:               30 * time.Second,
	}
}

// Validate checks the config for internal consistency before a Client is
// built from it, per spec.md §7's KindConfig error kind.
func (c Config) Validate() error {
	modes := 0
	if len(c.Endpoints) > 0 {
		modes++
	}
	if c.Sentinel != nil {
		modes++
	}
	if c.Cluster != nil {
		modes++
	}
	if modes == 0 {
		return newError(KindConfig, "no endpoints, sentinel, or cluster config supplied", nil)
	}
	if modes > 1 {
		return newError(KindConfig, "exactly one of endpoints, sentinel, cluster must be set", nil)
	}
	if c.Sentinel != nil {
		if c.Sentinel.ServiceName == "" {
			return newError(KindConfig, "sentinel service_name is required", nil)
		}
		if len(c.Sentinel.Addrs) == 0 {
			return newError(KindConfig, "sentinel requires at least one address", nil)
		}
	}
	if c.Cluster != nil && len(c.Cluster.SeedAddrs) == 0 {
		return newError(KindConfig, "cluster requires at least one seed address", nil)
	}
	if c.ProtocolVersion != RESP2 && c.ProtocolVersion != RESP3 {
		return newError(KindConfig, "protocol_version must be 2 or 3", nil)
	}
	if c.Database < 0 {
		return newError(KindConfig, "database must be non-negative", nil)
	}
	if c.MaxFrameSize <= 0 {
		return newError(KindConfig, "max_frame_size must be positive", nil)
	}
	return nil
}
