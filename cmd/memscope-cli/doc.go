// Package main provides the entry point for memscope-cli, the command-line
// client of memscope-server. It runs one command per invocation or, with
// the shell command, an interactive session.
package main
