// Package logger provides structured logging for memscope.
//
// It wraps log/slog:
//
//   - logger.go: handler construction and the process wide level
//   - context.go: request scoped loggers and request ids
//   - redact.go: masking of credentials before they reach the output
//
// The level is shared by every logger created through New, so SetLevel
// takes effect immediately, which the config watcher relies on.
package logger
