package rescon

import "testing"

func TestConfigValidateRequiresOneMode(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error with no mode set, got %v", err)
	}

	cfg.Endpoints = []Endpoint{TCPEndpoint("localhost", 6379)}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Cluster = &ClusterConfig{SeedAddrs: []Endpoint{TCPEndpoint("localhost", 7000)}}
	if err := cfg.Validate(); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error with two modes set, got %v", err)
	}
}

func TestConfigValidateSentinelRequiresServiceName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sentinel = &SentinelConfig{Addrs: []Endpoint{TCPEndpoint("localhost", 26379)}}
	if err := cfg.Validate(); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	cfg.Sentinel.ServiceName = "mymaster"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigValidateProtocolVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoints = []Endpoint{TCPEndpoint("localhost", 6379)}
	cfg.ProtocolVersion = 7
	if err := cfg.Validate(); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error for bad protocol version, got %v", err)
	}
}

func TestEndpointString(t *testing.T) {
	if got := TCPEndpoint("127.0.0.1", 6379).String(); got != "127.0.0.1:6379" {
		t.Fatalf("unexpected endpoint string: %q", got)
	}
	if got := UnixEndpoint("/tmp/redis.sock").String(); got != "unix:/tmp/redis.sock" {
		t.Fatalf("unexpected endpoint string: %q", got)
	}
}
