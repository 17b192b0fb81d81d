// Package config defines the memscope-server configuration.
//
//   - spec.go: ServerConfig and its sections
//   - default.go: default values
//   - verify.go: validation of loaded values
//   - load.go: layering defaults, file, environment and flags
//
// Loading goes through internal/infra/confloader.
package config
