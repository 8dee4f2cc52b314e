package config

import "strings"

// Sanitize returns a copy of the config with secrets masked, for logging.
func Sanitize(cfg *NodeConfig) *NodeConfig {
	sanitized := *cfg

	if sanitized.Core.Password != "" {
		sanitized.Core.Password = maskSecret(sanitized.Core.Password)
	}
	if sanitized.Core.Token != "" {
		sanitized.Core.Token = maskSecret(sanitized.Core.Token)
	}
	if sanitized.Cluster.Consul.ACLToken != "" {
		sanitized.Cluster.Consul.ACLToken = maskSecret(sanitized.Cluster.Consul.ACLToken)
	}
	sanitized.Mounts = append([]MountConfig(nil), cfg.Mounts...)

	return &sanitized
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
