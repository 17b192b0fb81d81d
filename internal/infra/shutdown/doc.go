// Package shutdown coordinates a graceful stop of the memscope server.
//
// Components register named hooks; on SIGINT, SIGTERM or an explicit
// Trigger the hooks run in reverse registration order under a shared
// deadline, so the listener stops before the registry and the key index
// it feeds.
package shutdown
