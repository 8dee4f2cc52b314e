package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// Verify validates the configuration.
func Verify(cfg *NodeConfig) error {
	if err := verifyCore(&cfg.Core); err != nil {
		return err
	}
	if err := verifyTransport(&cfg.Transport); err != nil {
		return err
	}
	if cfg.Cluster.Enabled {
		if err := verifyCluster(&cfg.Cluster); err != nil {
			return err
		}
	}
	if err := verifyMounts(cfg.Mounts); err != nil {
		return err
	}
	return verifyLog(&cfg.Log)
}

func verifyCore(cfg *CoreSection) error {
	if cfg.URL == "" {
		return errors.New("core.url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("core.url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("core.url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("core.url: missing host")
	}
	if cfg.BasePath != "" && !strings.HasPrefix(cfg.BasePath, "/") {
		return fmt.Errorf("core.base_path %q must start with /", cfg.BasePath)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return errors.New("core.tls_cert_file and core.tls_key_file must be set together")
	}
	if cfg.TLSExcludeSystemRoots && cfg.TLSCAFile == "" && cfg.TLSCADir == "" {
		return errors.New("core.tls_exclude_system_roots requires core.tls_ca_file or core.tls_ca_dir")
	}
	if cfg.Password != "" && cfg.UserID == "" {
		return errors.New("core.password requires core.user_id")
	}
	return nil
}

func verifyTransport(cfg *TransportSection) error {
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return fmt.Errorf("transport.ws_path %q must start with /", cfg.WSPath)
	}
	if !strings.HasPrefix(cfg.MQTTPath, "/") {
		return fmt.Errorf("transport.mqtt_path %q must start with /", cfg.MQTTPath)
	}
	if cfg.MaxFrameSize <= 0 {
		return errors.New("transport.max_frame_size must be positive")
	}
	switch cfg.MQTTProto {
	case "", "ws", "wss":
	default:
		return fmt.Errorf("transport.mqtt_proto %q must be ws or wss", cfg.MQTTProto)
	}
	if cfg.RequestTimeout < 0 || cfg.ReconnectInterval < 0 || cfg.RegisterRetryInterval < 0 || cfg.KeepAlive < 0 {
		return errors.New("transport durations must not be negative")
	}
	return nil
}

func verifyCluster(cfg *ClusterSection) error {
	if cfg.InitRetryInterval < 0 || cfg.LockRetryInterval < 0 || cfg.ReplayTimeout < 0 {
		return errors.New("cluster durations must not be negative")
	}
	c := &cfg.Consul
	if c.SessionTTL > 0 && c.RenewInterval >= c.SessionTTL {
		return fmt.Errorf("cluster.consul.renew_interval %v must be shorter than session_ttl %v", c.RenewInterval, c.SessionTTL)
	}
	if c.RenewErrorThreshold < 0 {
		return errors.New("cluster.consul.renew_error_threshold must not be negative")
	}
	for name, p := range map[string]string{"lock_path": c.LockPath, "release_path": c.ReleasePath} {
		if p != "" && !strings.Contains(p, ":key") {
			return fmt.Errorf("cluster.consul.%s %q lacks the :key placeholder", name, p)
		}
	}
	return nil
}

func verifyMounts(mounts []MountConfig) error {
	seen := make(map[string]bool, len(mounts))
	for i, m := range mounts {
		if !strings.HasPrefix(m.Path, "/") {
			return fmt.Errorf("mounts[%d].path %q must start with /", i, m.Path)
		}
		if seen[m.Path] {
			return fmt.Errorf("mounts[%d].path %q is mounted twice", i, m.Path)
		}
		seen[m.Path] = true
		if _, err := domain.ParseMountMode(m.Mode); err != nil {
			return fmt.Errorf("mounts[%d].mode: %w", i, err)
		}
		u, err := url.Parse(m.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("mounts[%d].upstream %q must be an http(s) URL", i, m.Upstream)
		}
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is invalid", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q is invalid", cfg.Format)
	}
	return nil
}
