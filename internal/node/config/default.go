package config

import (
	"github.com/yndnr/rnode-go/internal/cluster"
	"github.com/yndnr/rnode-go/internal/cluster/consul"
	"github.com/yndnr/rnode-go/internal/fanout"
	"github.com/yndnr/rnode-go/internal/session"
	"github.com/yndnr/rnode-go/internal/transport/pubsub"
	"github.com/yndnr/rnode-go/internal/transport/rpc"
)

// Default configuration values.
const (
	DefaultURL = "http://127.0.0.1:8080"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default configuration.
func Default() *NodeConfig {
	return &NodeConfig{
		Core: CoreSection{
			URL:              DefaultURL,
			TokenRefreshPath: session.DefaultTokenRefreshPath,
		},
		Transport: TransportSection{
			WSPath:                rpc.DefaultPath,
			WSMessageName:         rpc.DefaultMessageName,
			MaxFrameSize:          rpc.DefaultMaxFrameSize,
			RequestTimeout:        rpc.DefaultRequestTimeout,
			ReconnectInterval:     rpc.DefaultReconnectInterval,
			RegisterRetryInterval: rpc.DefaultRegisterRetryInterval,
			MQTTPath:              pubsub.DefaultPath,
			KeepAlive:             pubsub.DefaultKeepAlive,
		},
		Cluster: ClusterSection{
			InitRetryInterval: cluster.DefaultInitRetryInterval,
			LockRetryInterval: cluster.DefaultLockRetryInterval,
			ReplayTimeout:     fanout.DefaultReplayTimeout,
			Consul: ConsulConfig{
				MembersPath:          consul.DefaultMembersPath,
				SelfPath:             consul.DefaultSelfPath,
				SessionCreatePath:    consul.DefaultSessionCreatePath,
				SessionRenewPath:     consul.DefaultSessionRenewPath,
				SessionDestroyPath:   consul.DefaultSessionDestroyPath,
				LockPath:             consul.DefaultLockPath,
				ReleasePath:          consul.DefaultReleasePath,
				BlockingQueryTimeout: consul.DefaultBlockingQueryTimeout,
				QueryRetryInterval:   cluster.DefaultWatchRetryInterval,
				SessionTTL:           consul.DefaultSessionTTL,
				LockDelay:            consul.DefaultLockDelay,
				RenewInterval:        consul.DefaultRenewInterval,
				RenewErrorThreshold:  consul.DefaultRenewErrorThreshold,
			},
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// ConsulBackend converts c into a consul.Config.
func (c ConsulConfig) ConsulBackend() consul.Config {
	return consul.Config{
		MembersPath:          c.MembersPath,
		SelfPath:             c.SelfPath,
		SessionCreatePath:    c.SessionCreatePath,
		SessionRenewPath:     c.SessionRenewPath,
		SessionDestroyPath:   c.SessionDestroyPath,
		LockPath:             c.LockPath,
		ReleasePath:          c.ReleasePath,
		BlockingQueryTimeout: c.BlockingQueryTimeout,
		ACLToken:             c.ACLToken,
		SessionTTL:           c.SessionTTL,
		LockDelay:            c.LockDelay,
		RenewInterval:        c.RenewInterval,
		RenewErrorThreshold:  c.RenewErrorThreshold,
	}
}
