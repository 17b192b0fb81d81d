package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxKeyLength is the longest key a memcached server accepts.
const MaxKeyLength = 250

// Item is one cache entry reconstructed for a query. It is never persisted.
type Item struct {
	Key   string
	Value []byte

	// Expiration is the absolute expiry in epoch seconds; 0 means never or unknown.
	Expiration int64

	// Size in bytes as reported by introspection, or len(Value).
	Size int

	// SlabID is the memory block the item was found in; 0 when unknown.
	SlabID int
}

// TTL returns the seconds until expiration, or -1 when the expiration is
// never, unknown, or not after now.
func (i *Item) TTL(now time.Time) int64 {
	remaining := i.Expiration - now.Unix()
	if i.Expiration <= 0 || remaining <= 0 {
		return -1
	}
	return remaining
}

// KeyInfo is one row of a key listing.
type KeyInfo struct {
	Key                       string `json:"key"`
	Value                     string `json:"value"`
	TimeUntilExpirationSecond int64  `json:"time_until_expiration_seconds"`
	SizeBytes                 int    `json:"size_bytes"`
}

// ValidateKey enforces the memcached key rules: 1..250 bytes, no spaces or
// control characters.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidArgument.WithDetails("key is required")
	}
	if len(key) > MaxKeyLength {
		return ErrInvalidArgument.WithDetailsf("key longer than %d bytes", MaxKeyLength)
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c == 0x7f {
			return ErrInvalidArgument.WithDetails("key contains whitespace or control characters")
		}
	}
	return nil
}

// SlabUsage is the per memory block usage derived from "stats slabs".
type SlabUsage struct {
	ID          int   `json:"id"`
	ChunkSize   int64 `json:"chunk_size"`
	TotalPages  int64 `json:"total_pages"`
	TotalChunks int64 `json:"total_chunks"`
	UsedChunks  int64 `json:"used_chunks"`
	FreeChunks  int64 `json:"free_chunks"`
}

// SlabIDs returns the ids of active memory blocks, sorted. Slab statistics
// are reported as "<id>:<field>"; global fields such as active_slabs are skipped.
func SlabIDs(slabStats map[string]string) []int {
	seen := make(map[int]struct{})
	for name := range slabStats {
		idx := strings.IndexByte(name, ':')
		if idx <= 0 {
			continue
		}
		id, err := strconv.Atoi(name[:idx])
		if err != nil || id <= 0 {
			continue
		}
		seen[id] = struct{}{}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// BuildSlabUsage derives the slab usage table from "stats slabs" output.
func BuildSlabUsage(slabStats map[string]string) []SlabUsage {
	ids := SlabIDs(slabStats)
	out := make([]SlabUsage, 0, len(ids))
	for _, id := range ids {
		prefix := strconv.Itoa(id) + ":"
		field := func(name string) int64 {
			v, _ := strconv.ParseInt(slabStats[prefix+name], 10, 64)
			return v
		}
		out = append(out, SlabUsage{
			ID:          id,
			ChunkSize:   field("chunk_size"),
			TotalPages:  field("total_pages"),
			TotalChunks: field("total_chunks"),
			UsedChunks:  field("used_chunks"),
			FreeChunks:  field("free_chunks"),
		})
	}
	return out
}
