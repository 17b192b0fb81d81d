// Package main provides the entry point for memscope-server.
//
// memscope-server exposes memcached administration over HTTP: it opens
// logical connections to cache servers, directly or through SSH bastions,
// lists keys through slab introspection and an in-cache key index, and
// edits or flushes items.
//
// Usage:
//
//	memscope-server [flags]
//	memscope-server --config /etc/memscope/server.yaml
//
// Settings come from defaults, the optional YAML file, MEMSCOPE_
// environment variables (MEMSCOPE_LOG__LEVEL=debug) and flags, in that
// order. Editing log.level in the file takes effect without a restart.
package main
