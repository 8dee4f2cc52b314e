package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/infra/confloader"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Core.URL != DefaultURL {
		t.Errorf("Core.URL = %q, want %q", cfg.Core.URL, DefaultURL)
	}
	if cfg.Core.TokenRefreshPath != "/core.JWTUpdate" {
		t.Errorf("TokenRefreshPath = %q", cfg.Core.TokenRefreshPath)
	}
	if cfg.Transport.WSPath != "/r" || cfg.Transport.MQTTPath != "/m" {
		t.Errorf("paths = %q %q", cfg.Transport.WSPath, cfg.Transport.MQTTPath)
	}
	if cfg.Transport.MaxFrameSize != 16<<20 {
		t.Errorf("MaxFrameSize = %d", cfg.Transport.MaxFrameSize)
	}
	if cfg.Cluster.Enabled || cfg.Cluster.NonRedundant {
		t.Error("clustering should be off by default")
	}
	if cfg.Cluster.LockRetryInterval != 10*time.Second {
		t.Errorf("LockRetryInterval = %v", cfg.Cluster.LockRetryInterval)
	}
	c := cfg.Cluster.Consul
	if c.MembersPath != "/v1/catalog/service/hmr" || c.SelfPath != "/v1/agent/self" {
		t.Errorf("consul paths = %q %q", c.MembersPath, c.SelfPath)
	}
	if c.BlockingQueryTimeout != 50*time.Second || c.QueryRetryInterval != 60*time.Second {
		t.Errorf("query timings = %v %v", c.BlockingQueryTimeout, c.QueryRetryInterval)
	}
	if c.SessionTTL != 30*time.Second || c.LockDelay != 10*time.Second || c.RenewInterval != 10*time.Second {
		t.Errorf("session timings = %v %v %v", c.SessionTTL, c.LockDelay, c.RenewInterval)
	}
	if c.RenewErrorThreshold != 3 {
		t.Errorf("RenewErrorThreshold = %d", c.RenewErrorThreshold)
	}
	if cfg.Log.Level != DefaultLogLevel || cfg.Log.Format != DefaultLogFormat {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("metrics should be disabled by default, got %q", cfg.Metrics.Addr)
	}
	if err := Verify(cfg); err != nil {
		t.Errorf("Verify(Default()) error = %v", err)
	}
}

func TestConsulBackend(t *testing.T) {
	c := Default().Cluster.Consul
	c.ACLToken = "acl"
	b := c.ConsulBackend()
	if b.ACLToken != "acl" || b.LockPath != c.LockPath || b.SessionTTL != c.SessionTTL {
		t.Errorf("ConsulBackend() = %+v", b)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*NodeConfig)
		wantErr string
	}{
		{"empty url", func(c *NodeConfig) { c.Core.URL = "" }, "core.url is required"},
		{"bad scheme", func(c *NodeConfig) { c.Core.URL = "ftp://core" }, "unsupported scheme"},
		{"no host", func(c *NodeConfig) { c.Core.URL = "http://" }, "missing host"},
		{"relative base path", func(c *NodeConfig) { c.Core.BasePath = "tenant" }, "core.base_path"},
		{"cert without key", func(c *NodeConfig) { c.Core.TLSCertFile = "client.crt" }, "set together"},
		{"no roots at all", func(c *NodeConfig) { c.Core.TLSExcludeSystemRoots = true }, "tls_exclude_system_roots"},
		{"password without user", func(c *NodeConfig) { c.Core.Password = "p" }, "requires core.user_id"},
		{"relative ws path", func(c *NodeConfig) { c.Transport.WSPath = "r" }, "transport.ws_path"},
		{"zero frame size", func(c *NodeConfig) { c.Transport.MaxFrameSize = 0 }, "max_frame_size"},
		{"bad mqtt proto", func(c *NodeConfig) { c.Transport.MQTTProto = "tcp" }, "mqtt_proto"},
		{"negative timeout", func(c *NodeConfig) { c.Transport.RequestTimeout = -1 }, "negative"},
		{"renew not shorter than ttl", func(c *NodeConfig) {
			c.Cluster.Enabled = true
			c.Cluster.Consul.RenewInterval = c.Cluster.Consul.SessionTTL
		}, "renew_interval"},
		{"lock path without key", func(c *NodeConfig) {
			c.Cluster.Enabled = true
			c.Cluster.Consul.LockPath = "/v1/kv/x"
		}, "lock_path"},
		{"bad log level", func(c *NodeConfig) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *NodeConfig) { c.Log.Format = "xml" }, "log.format"},
		{"mount without slash", func(c *NodeConfig) {
			c.Mounts = []MountConfig{{Path: "api", Mode: "localOnly", Upstream: "http://127.0.0.1:9000"}}
		}, "must start with /"},
		{"duplicate mount", func(c *NodeConfig) {
			m := MountConfig{Path: "/api", Mode: "localOnly", Upstream: "http://127.0.0.1:9000"}
			c.Mounts = []MountConfig{m, m}
		}, "mounted twice"},
		{"bad upstream", func(c *NodeConfig) {
			c.Mounts = []MountConfig{{Path: "/api", Mode: "localOnly", Upstream: "unix:///tmp/s"}}
		}, "upstream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := Verify(cfg)
			if err == nil {
				t.Fatalf("Verify() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Verify() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestVerify_MountMode(t *testing.T) {
	cfg := Default()
	cfg.Mounts = []MountConfig{{Path: "/api", Mode: "roundRobin", Upstream: "http://127.0.0.1:9000"}}
	err := Verify(cfg)
	if !errors.Is(err, domain.ErrInvalidMountMode) {
		t.Errorf("Verify() error = %v, want ErrInvalidMountMode", err)
	}

	cfg.Mounts[0].Mode = "singletonMaster"
	if err := Verify(cfg); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerify_ClusterDisabledSkipsConsul(t *testing.T) {
	cfg := Default()
	cfg.Cluster.Consul.RenewInterval = time.Hour
	if err := Verify(cfg); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestSanitize(t *testing.T) {
	cfg := Default()
	cfg.Core.UserID = "node"
	cfg.Core.Password = "super-secret-password"
	cfg.Core.Token = "eyJhbGciOiJIUzI1NiJ9.payload.sig"
	cfg.Cluster.Consul.ACLToken = "abc"

	sanitized := Sanitize(cfg)

	if cfg.Core.Password != "super-secret-password" {
		t.Error("Sanitize() modified the original")
	}
	if sanitized.Core.UserID != "node" {
		t.Errorf("UserID = %q, should be kept", sanitized.Core.UserID)
	}
	if sanitized.Core.Password != "su*****************rd" {
		t.Errorf("Password = %q", sanitized.Core.Password)
	}
	if strings.Contains(sanitized.Core.Token, "payload") {
		t.Errorf("Token not masked: %q", sanitized.Core.Token)
	}
	if sanitized.Cluster.Consul.ACLToken != "****" {
		t.Errorf("ACLToken = %q", sanitized.Cluster.Consul.ACLToken)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rnode.yaml")
	content := `
core:
  url: "https://core.example"
  user_id: "svc"
  password: "pw"
cluster:
  enabled: true
  consul:
    session_ttl: 1m
mounts:
  - path: /api
    mode: loadBalancing
    upstream: http://127.0.0.1:9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RNODE_CORE_BASE_PATH", "/tenant")
	t.Setenv("RNODE_CLUSTER__CONSUL__ACL_TOKEN", "acl")

	cfg := Default()
	if err := confloader.NewLoader(confloader.WithConfigFile(path)).Load(cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Core.URL != "https://core.example" || cfg.Core.BasePath != "/tenant" {
		t.Errorf("core = %+v", cfg.Core)
	}
	if !cfg.Cluster.Enabled || cfg.Cluster.Consul.SessionTTL != time.Minute {
		t.Errorf("cluster = %+v", cfg.Cluster)
	}
	if cfg.Cluster.Consul.ACLToken != "acl" {
		t.Errorf("ACLToken = %q", cfg.Cluster.Consul.ACLToken)
	}
	if cfg.Cluster.Consul.MembersPath != "/v1/catalog/service/hmr" {
		t.Errorf("default MembersPath lost: %q", cfg.Cluster.Consul.MembersPath)
	}
	if len(cfg.Mounts) != 1 || cfg.Mounts[0].Mode != "loadBalancing" {
		t.Fatalf("mounts = %+v", cfg.Mounts)
	}
	if err := Verify(cfg); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}
