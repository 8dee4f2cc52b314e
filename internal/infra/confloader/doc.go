// Package confloader loads node configuration with koanf.
//
// Sources, later ones overriding earlier ones:
//
//  1. Defaults, already present in the target struct
//  2. A YAML configuration file
//  3. Environment variables with the RNODE_ prefix
//
// Environment names map to keys by splitting the section from the key at
// the first underscore, so RNODE_CORE_BASE_PATH sets core.base_path. A
// double underscore nests explicitly: RNODE_CLUSTER__CONSUL__ACL_TOKEN sets
// cluster.consul.acl_token.
//
// Watcher follows a configuration file with fsnotify so that settings such
// as the log level can be reloaded without a restart.
package confloader
