// Package config stores memscope-cli preferences in ~/.memscope/cli.yaml:
// the default server, the output format and the bastion host keys an
// operator has trusted.
package config
