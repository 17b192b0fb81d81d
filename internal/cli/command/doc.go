// Package command defines the memscope-cli commands on urfave/cli/v2.
//
// Every command resolves the server and output format from flags, the
// environment and ~/.memscope/cli.yaml, in that order, calls the server
// through connection.HTTPClient and renders the answer with the output
// package. The shell command runs the same commands from a REPL that
// remembers the current cache connection.
package command
