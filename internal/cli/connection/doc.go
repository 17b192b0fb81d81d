// Package connection talks to a memscope server on behalf of memscope-cli.
//
// http.go carries the JSON envelope transport, api.go the typed calls for
// each route, and manager.go remembers the cache connection an interactive
// shell is working on.
package connection
