// Package service is the caller facing API of memscope.
//
// CacheService resolves a connection id through the registry, runs the
// command through the transport and keeps the in-cache key index current.
// Every successful operation renews the idle deadline of the connection it
// used. HTTP handlers and tests talk to this package only.
package service
