// Package cmap provides a sharded concurrent map keyed by string.
//
// Keys are routed to shards with murmur3 so the same key always lands on the
// same shard across processes. Each shard has its own RWMutex.
//
//	m := cmap.New[*Entry]()
//	m.Set("mc-01h...", entry)
//	e, ok := m.Get("mc-01h...")
package cmap
