// Package wire encodes requests for and decodes replies from a
// memcached-compatible cache server.
//
// Two dialects are supported:
//
//   - Binary: 24-byte header framed protocol, authenticated with SASL PLAIN.
//     Only the opcodes needed for authentication, statistics and moving
//     single values are implemented.
//   - Text: CRLF terminated line protocol, never authenticated. Free text
//     commands are limited to statistics and slab item dumps (see ParseCommand).
//
// The package performs no I/O. Replies are accumulated through Decoder (binary)
// or TextScanner (text), both of which tolerate arbitrary read boundaries.
package wire
