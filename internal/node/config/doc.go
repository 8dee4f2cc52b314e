// Package config defines the rnode agent configuration.
//
//   - spec.go: NodeConfig struct definition
//   - default.go: default values
//   - verify.go: validation
//   - sanitize.go: masking of secrets before logging
//
// Configuration is loaded via internal/infra/confloader from a YAML file
// and RNODE_ environment variables.
package config
