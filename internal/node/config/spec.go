package config

import "time"

// NodeConfig is the root configuration of an rnode agent.
type NodeConfig struct {
	Core      CoreSection      `koanf:"core"`
	Transport TransportSection `koanf:"transport"`
	Cluster   ClusterSection   `koanf:"cluster"`
	Mounts    []MountConfig    `koanf:"mounts"`
	Log       LogSection       `koanf:"log"`
	Metrics   MetricsSection   `koanf:"metrics"`
}

// CoreSection locates the core node and holds the credentials used with it.
type CoreSection struct {
	URL      string `koanf:"url"`
	BasePath string `koanf:"base_path"`

	UserID   string `koanf:"user_id"`
	Password string `koanf:"password"`
	// Token takes precedence over UserID/Password when set.
	Token string `koanf:"token"`

	TokenRefreshPath string `koanf:"token_refresh_path"`
	// TLSCAFile is a PEM bundle trusted for wss, https and MQTT over TLS.
	TLSCAFile string `koanf:"tls_ca_file"`
	// TLSCADir holds further CA certificates (.pem, .crt, .cer).
	TLSCADir string `koanf:"tls_ca_dir"`
	// TLSExcludeSystemRoots trusts only TLSCAFile and TLSCADir.
	TLSExcludeSystemRoots bool `koanf:"tls_exclude_system_roots"`
	// TLSCertFile and TLSKeyFile hold a client certificate for mutual TLS.
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`
}

// TransportSection tunes the RPC and pub/sub channels.
type TransportSection struct {
	WSPath                string        `koanf:"ws_path"`
	WSMessageName         string        `koanf:"ws_message_name"`
	MaxFrameSize          int64         `koanf:"max_frame_size"`
	RequestTimeout        time.Duration `koanf:"request_timeout"`
	ReconnectInterval     time.Duration `koanf:"reconnect_interval"`
	RegisterRetryInterval time.Duration `koanf:"register_retry_interval"`

	MQTTPath  string        `koanf:"mqtt_path"`
	MQTTPort  string        `koanf:"mqtt_port"`
	MQTTProto string        `koanf:"mqtt_proto"`
	KeepAlive time.Duration `koanf:"keepalive"`
}

// ClusterSection configures promotion to a replicated cluster.
type ClusterSection struct {
	Enabled bool `koanf:"enabled"`
	// NonRedundant degrades to a bootstrap-only cluster when the
	// coordination backend is unavailable.
	NonRedundant      bool          `koanf:"non_redundant"`
	InitRetryInterval time.Duration `koanf:"init_retry_interval"`
	LockRetryInterval time.Duration `koanf:"lock_retry_interval"`
	ReplayTimeout     time.Duration `koanf:"replay_timeout"`
	TraceLocks        bool          `koanf:"trace_locks"`

	Consul ConsulConfig `koanf:"consul"`
}

// ConsulConfig configures the coordination backend, reached through the
// core node.
type ConsulConfig struct {
	MembersPath        string `koanf:"members_path"`
	SelfPath           string `koanf:"self_path"`
	SessionCreatePath  string `koanf:"session_create_path"`
	SessionRenewPath   string `koanf:"session_renew_path"`
	SessionDestroyPath string `koanf:"session_destroy_path"`
	LockPath           string `koanf:"lock_path"`
	ReleasePath        string `koanf:"release_path"`

	BlockingQueryTimeout time.Duration `koanf:"blocking_query_timeout"`
	QueryRetryInterval   time.Duration `koanf:"query_retry_interval"`
	ACLToken             string        `koanf:"acl_token"`

	SessionTTL          time.Duration `koanf:"session_ttl"`
	LockDelay           time.Duration `koanf:"lock_delay"`
	RenewInterval       time.Duration `koanf:"renew_interval"`
	RenewErrorThreshold int           `koanf:"renew_error_threshold"`
}

// MountConfig publishes a local HTTP upstream on the core node.
type MountConfig struct {
	Path     string         `koanf:"path"`
	Mode     string         `koanf:"mode"`
	Upstream string         `koanf:"upstream"`
	Option   map[string]any `koanf:"option"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	// Addr is the listen address of /metrics. Empty disables it.
	Addr string `koanf:"addr"`
}
