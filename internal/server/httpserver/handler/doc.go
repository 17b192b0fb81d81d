// Package handler provides the HTTP request handlers for memscope.
//
//   - connection.go: open, list, inspect and close logical connections
//   - key.go: list, read, write and delete keys, flush a server
//   - health.go: liveness
//
// All handlers follow the same pattern:
//
//   - Parse and validate the request
//   - Call the cache service
//   - Write the standard envelope, mapping domain error codes to statuses
package handler
