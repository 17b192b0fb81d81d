// Package keyindex builds the "all keys" view of a cache server.
//
// Two sources are combined. Slab introspection ("stats cachedump") lists
// live keys on unauthenticated servers. A self-maintained index, stored in
// the cache itself as a manifest item plus JSON shard items, remembers keys
// seen before and is the only source on authenticated servers.
//
// Index maintenance runs on background workers. A read never waits for it
// and its failures are logged, never returned.
package keyindex

import (
	"fmt"
	"strings"
)

// Reserved item names.
const (
	ManifestKey = "__memscope_index__"

	shardPrefix = "__memscope_index_"
	shardSuffix = "__"
)

// ShardKey returns the name of the n-th shard, counting from 1.
func ShardKey(n int) string {
	return fmt.Sprintf("%s%02d%s", shardPrefix, n, shardSuffix)
}

// IsReserved reports whether key is the manifest or a shard name. Reserved
// keys never appear in a listing.
func IsReserved(key string) bool {
	if key == ManifestKey {
		return true
	}
	if !strings.HasPrefix(key, shardPrefix) || !strings.HasSuffix(key, shardSuffix) {
		return false
	}
	seq := key[len(shardPrefix) : len(key)-len(shardSuffix)]
	if len(seq) < 2 {
		return false
	}
	for i := 0; i < len(seq); i++ {
		if seq[i] < '0' || seq[i] > '9' {
			return false
		}
	}
	return true
}
