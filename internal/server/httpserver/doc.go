// Package httpserver provides the HTTP server for memscope.
//
// It exposes the cache service over net/http:
//
//   - Connection endpoints: /connections, /connections/{id}, /connections/{id}/close
//   - Key endpoints: /connections/{id}/keys, /connections/{id}/keys/{key}, /connections/{id}/flush
//   - Operational endpoints: /health, /metrics
//
// Every API route runs behind Recover, RequestID, RateLimit, Audit and
// Instrument, in that order.
package httpserver
