package keyindex

import (
	"encoding/json"
	"sort"
)

// encodedLen is the length of keys as a JSON array.
func encodedLen(keys []string) int {
	n := 2
	for i, k := range keys {
		if i > 0 {
			n++
		}
		n += encodedKeyLen(k)
	}
	return n
}

// encodedKeyLen is the length of k as a JSON string, escapes included.
func encodedKeyLen(k string) int {
	b, _ := json.Marshal(k)
	return len(b)
}

// SortedUnique returns the deduplicated, sorted keys.
func SortedUnique(keys []string) []string {
	set := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := set[k]; ok {
			continue
		}
		set[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PackShards packs the deduplicated, sorted keys greedily into shards whose
// JSON encoding stays within ceiling bytes. A key that does not fit into a
// shard of its own is returned in skipped instead.
func PackShards(keys []string, ceiling int) (shards [][]string, skipped []string) {
	var (
		cur  []string
		size int // encoded length of cur
	)
	for _, k := range SortedUnique(keys) {
		kl := encodedKeyLen(k)
		if kl+2 > ceiling {
			skipped = append(skipped, k)
			continue
		}
		if len(cur) > 0 && size+1+kl <= ceiling {
			cur = append(cur, k)
			size += 1 + kl
			continue
		}
		if len(cur) > 0 {
			shards = append(shards, cur)
		}
		cur = []string{k}
		size = 2 + kl
	}
	if len(cur) > 0 {
		shards = append(shards, cur)
	}
	return shards, skipped
}
