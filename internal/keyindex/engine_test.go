package keyindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/protocol/memcachetest"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
	"github.com/yndnr/memscope-go/internal/transport"
)

func newTestEngine(t *testing.T, cache Cache, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Metrics = metric.NewRegistry()
	if mutate != nil {
		mutate(&cfg)
	}
	e := New(cache, cfg)
	t.Cleanup(e.Close)
	return e
}

func newTransport() *transport.Transport {
	cfg := transport.DefaultConfig()
	cfg.Metrics = metric.NewRegistry()
	return transport.New(cfg)
}

func textTarget(srv *memcachetest.Server) transport.Target {
	return transport.Target{Address: srv.Addr(), Dialect: domain.DialectText, Timeout: 2 * time.Second}
}

func binaryTarget(srv *memcachetest.Server) transport.Target {
	return transport.Target{
		Address:     srv.Addr(),
		Dialect:     domain.DialectBinary,
		Credentials: &domain.Credentials{Username: "admin", Password: "secret"},
		Timeout:     2 * time.Second,
	}
}

func manifest(t *testing.T, srv *memcachetest.Server) []string {
	t.Helper()
	v, ok := srv.Value(ManifestKey)
	if !ok {
		return nil
	}
	var names []string
	if err := json.Unmarshal(v, &names); err != nil {
		t.Fatalf("manifest %q: %v", v, err)
	}
	return names
}

func keysOf(infos []domain.KeyInfo) []string {
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Key)
	}
	return out
}

func TestWriteIndexShards_ThreeKeyScenario(t *testing.T) {
	srv := memcachetest.NewAuthServer("admin", "secret")
	defer srv.Close()
	e := newTestEngine(t, newTransport(), func(c *Config) { c.ShardCeiling = 12 })
	target := binaryTarget(srv)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		srv.Put(k, []byte("v-"+k), 0)
	}
	if err := e.WriteIndexShards(ctx, target, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("WriteIndexShards() error = %v", err)
	}

	if got := manifest(t, srv); !reflect.DeepEqual(got, []string{ShardKey(1), ShardKey(2)}) {
		t.Errorf("manifest = %v", got)
	}
	if v, _ := srv.Value(ShardKey(1)); string(v) != `["a","b"]` {
		t.Errorf("shard 1 = %s", v)
	}
	if v, _ := srv.Value(ShardKey(2)); string(v) != `["c"]` {
		t.Errorf("shard 2 = %s", v)
	}
	if exp, _ := srv.Expiration(ManifestKey); exp == 0 {
		t.Error("manifest written without expiration")
	}

	infos, err := e.ListKeys(ctx, target, ListOptions{})
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if got := keysOf(infos); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("ListKeys() = %v", got)
	}
	for _, info := range infos {
		if info.TimeUntilExpirationSecond != -1 || info.SizeBytes != len(info.Value) {
			t.Errorf("binary listing row = %+v, want ttl -1 and size from value", info)
		}
	}
}

func TestReadIndex_RoundTrip(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	e := newTestEngine(t, newTransport(), func(c *Config) { c.ShardCeiling = 64 })
	target := textTarget(srv)
	ctx := context.Background()

	var keys []string
	for i := 0; i < 40; i++ {
		keys = append(keys, fmt.Sprintf("user:%03d", i))
	}
	if err := e.WriteIndexShards(ctx, target, keys); err != nil {
		t.Fatalf("WriteIndexShards() error = %v", err)
	}
	if n := len(manifest(t, srv)); n < 2 {
		t.Fatalf("expected several shards, got %d", n)
	}
	if got, _ := e.ReadIndex(ctx, target); !reflect.DeepEqual(got, keys) {
		t.Errorf("ReadIndex() = %v", got)
	}
}

func TestWriteIndexShards_RemovesStaleShards(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	e := newTestEngine(t, newTransport(), func(c *Config) { c.ShardCeiling = 20 })
	target := textTarget(srv)
	ctx := context.Background()

	first := []string{"alpha-1", "alpha-2", "alpha-3", "alpha-4", "alpha-5"}
	if err := e.WriteIndexShards(ctx, target, first); err != nil {
		t.Fatalf("first write error = %v", err)
	}
	if n := len(manifest(t, srv)); n < 3 {
		t.Fatalf("first generation has %d shards, want at least 3", n)
	}

	second := []string{"beta"}
	if err := e.WriteIndexShards(ctx, target, second); err != nil {
		t.Fatalf("second write error = %v", err)
	}
	if got := manifest(t, srv); !reflect.DeepEqual(got, []string{ShardKey(1)}) {
		t.Errorf("manifest = %v", got)
	}
	for _, k := range srv.Keys() {
		if IsReserved(k) && k != ManifestKey && k != ShardKey(1) {
			t.Errorf("stale shard %s survived", k)
		}
	}
	if got, _ := e.ReadIndex(ctx, target); !reflect.DeepEqual(got, second) {
		t.Errorf("ReadIndex() = %v", got)
	}
}

func TestReadIndex_FailuresReadAsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		setup func(srv *memcachetest.Server)
	}{
		{"corrupt manifest", func(srv *memcachetest.Server) {
			srv.Put(ManifestKey, []byte("{not json"), 0)
		}},
		{"manifest lists foreign key", func(srv *memcachetest.Server) {
			srv.Put(ManifestKey, []byte(`["user:1"]`), 0)
		}},
		{"missing shard", func(srv *memcachetest.Server) {
			srv.Put(ManifestKey, []byte(`["__memscope_index_01__","__memscope_index_02__"]`), 0)
			srv.Put(ShardKey(1), []byte(`["a"]`), 0)
		}},
		{"corrupt shard", func(srv *memcachetest.Server) {
			srv.Put(ManifestKey, []byte(`["__memscope_index_01__"]`), 0)
			srv.Put(ShardKey(1), []byte(`nope`), 0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := memcachetest.NewServer()
			defer srv.Close()
			tt.setup(srv)
			e := newTestEngine(t, newTransport(), nil)
			got, ok := e.ReadIndex(context.Background(), textTarget(srv))
			if ok || len(got) != 0 {
				t.Errorf("ReadIndex() = %v, %v, want empty and not ok", got, ok)
			}
		})
	}
}

func TestListKeys_TextCombinesIntrospectionAndIndex(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	now := time.Unix(1_700_000_000, 0)
	srv.SetClock(func() time.Time { return now })
	e := newTestEngine(t, newTransport(), func(c *Config) {
		c.Now = func() time.Time { return now }
	})
	target := textTarget(srv)
	ctx := context.Background()

	srv.Put("User:1", []byte("alice"), now.Unix()+90)
	srv.Put("user:2", []byte("bob"), 0)
	srv.Put("order:7", []byte(strings.Repeat("x", 200)), 0)
	// ghost is indexed but no longer stored.
	srv.Put(ManifestKey, []byte(`["__memscope_index_01__"]`), 0)
	srv.Put(ShardKey(1), []byte(`["ghost","user:2"]`), 0)

	infos, err := e.ListKeys(ctx, target, ListOptions{})
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	// ghost has no value and is dropped; reserved items never show up.
	if got := keysOf(infos); !reflect.DeepEqual(got, []string{"User:1", "order:7", "user:2"}) {
		t.Fatalf("ListKeys() = %v", got)
	}
	for _, info := range infos {
		switch info.Key {
		case "User:1":
			if info.TimeUntilExpirationSecond != 90 || info.SizeBytes != 5 || info.Value != "alice" {
				t.Errorf("User:1 = %+v", info)
			}
		case "user:2":
			if info.TimeUntilExpirationSecond != -1 {
				t.Errorf("user:2 ttl = %d, want -1", info.TimeUntilExpirationSecond)
			}
		case "order:7":
			if info.SizeBytes != 200 {
				t.Errorf("order:7 size = %d", info.SizeBytes)
			}
		}
	}

	// The background rebuild drops ghost and keeps everything live.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := e.ReadIndex(ctx, target)
		if reflect.DeepEqual(got, []string{"User:1", "order:7", "user:2"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("index after rebuild = %v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestListKeys_SearchAndLimit(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	e := newTestEngine(t, newTransport(), nil)
	target := textTarget(srv)
	for _, k := range []string{"user:1", "USER:2", "user:3", "order:1", "cart-9"} {
		srv.Put(k, []byte("v"), 0)
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"no filter", ListOptions{}, []string{"USER:2", "cart-9", "order:1", "user:1", "user:3"}},
		{"substring ignores case", ListOptions{Search: "user"}, []string{"USER:2", "user:1", "user:3"}},
		{"regex", ListOptions{Search: `^(order|cart)`}, []string{"cart-9", "order:1"}},
		{"invalid regex falls back to substring", ListOptions{Search: "user:("}, []string{}},
		{"limit", ListOptions{Search: "user", Limit: 2}, []string{"USER:2", "user:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			infos, err := e.ListKeys(context.Background(), target, tt.opts)
			if err != nil {
				t.Fatalf("ListKeys() error = %v", err)
			}
			if got := keysOf(infos); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ListKeys() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListKeys_BinarySkipsIntrospection(t *testing.T) {
	srv := memcachetest.NewAuthServer("admin", "secret")
	defer srv.Close()
	e := newTestEngine(t, newTransport(), nil)
	srv.Put("unindexed", []byte("v"), 0)

	infos, err := e.ListKeys(context.Background(), binaryTarget(srv), ListOptions{})
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("ListKeys() = %v, want nothing without an index", keysOf(infos))
	}
	if srv.Commands("stats cachedump") != 0 {
		t.Error("binary listing issued a slab dump")
	}
}

func TestScheduleAddAndRemove(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	e := newTestEngine(t, newTransport(), nil)
	target := textTarget(srv)
	ctx := context.Background()

	if err := e.Reindex(ctx, target, []string{"a", "b"}); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	e.ScheduleAdd(target, "c")
	e.ScheduleRemove(target, "a")

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := e.ReadIndex(ctx, target)
		if reflect.DeepEqual(got, []string{"b", "c"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ReadIndex() = %v, want [b c]", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// blockingCache stalls every Set until release is closed.
type blockingCache struct {
	release chan struct{}
	once    sync.Once
}

func (c *blockingCache) Stats(context.Context, transport.Target, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (c *blockingCache) Dump(context.Context, transport.Target, int, int) ([]domain.Item, error) {
	return nil, nil
}

func (c *blockingCache) Get(context.Context, transport.Target, string) (domain.Item, bool, error) {
	return domain.Item{}, false, nil
}

func (c *blockingCache) Set(ctx context.Context, _ transport.Target, _ string, _ []byte, _ uint32) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *blockingCache) Delete(context.Context, transport.Target, string) (bool, error) {
	return false, nil
}

func (c *blockingCache) unblock() { c.once.Do(func() { close(c.release) }) }

func TestScheduleReindex_DropsWhenQueueFull(t *testing.T) {
	cache := &blockingCache{release: make(chan struct{})}
	defer cache.unblock()
	reg := metric.NewRegistry()
	e := newTestEngine(t, cache, func(c *Config) {
		c.Workers = 1
		c.QueueSize = 1
		c.Metrics = reg
	})
	target := transport.Target{Address: "127.0.0.1:1"}

	// One task occupies the worker, one fills the queue, the rest drop.
	for i := 0; i < 5; i++ {
		e.ScheduleReindex(target, []string{"k"})
		if i == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if got := testutil.ToFloat64(reg.ReindexDropped); got != 3 {
		t.Errorf("dropped = %v, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Reindex(ctx, target, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Reindex() on a full queue error = %v", err)
	}
}

// flakyCache fails the next reads of selected keys with a timeout.
type flakyCache struct {
	Cache
	mu       sync.Mutex
	failures map[string]int
}

func (c *flakyCache) failNext(key string) {
	c.mu.Lock()
	c.failures[key]++
	c.mu.Unlock()
}

func (c *flakyCache) Get(ctx context.Context, target transport.Target, key string) (domain.Item, bool, error) {
	c.mu.Lock()
	n := c.failures[key]
	if n > 0 {
		c.failures[key] = n - 1
	}
	c.mu.Unlock()
	if n > 0 {
		return domain.Item{}, false, domain.ErrTransportTimeout
	}
	return c.Cache.Get(ctx, target, key)
}

func TestListKeys_UnreadableIndexIsNotOverwritten(t *testing.T) {
	tests := []struct {
		name      string
		server    func() *memcachetest.Server
		target    func(*memcachetest.Server) transport.Target
		failKey   string
		wantList  []string
		wantIndex []string
	}{
		{
			name:      "binary shard read fails",
			server:    func() *memcachetest.Server { return memcachetest.NewAuthServer("admin", "secret") },
			target:    binaryTarget,
			failKey:   ShardKey(1),
			wantList:  []string{},
			wantIndex: []string{"a", "b", "c"},
		},
		{
			name:      "text manifest read fails",
			server:    memcachetest.NewServer,
			target:    textTarget,
			failKey:   ManifestKey,
			wantList:  []string{"a", "b", "c", "d"},
			wantIndex: []string{"a", "b", "c", "d"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := tt.server()
			defer srv.Close()
			for _, k := range []string{"a", "b", "c", "d"} {
				srv.Put(k, []byte("v-"+k), 0)
			}
			cache := &flakyCache{Cache: newTransport(), failures: map[string]int{}}
			e := newTestEngine(t, cache, nil)
			target := tt.target(srv)
			ctx := context.Background()

			if err := e.Reindex(ctx, target, []string{"a", "b", "c"}); err != nil {
				t.Fatalf("Reindex() error = %v", err)
			}
			cache.failNext(tt.failKey)

			infos, err := e.ListKeys(ctx, target, ListOptions{})
			if err != nil {
				t.Fatalf("ListKeys() error = %v", err)
			}
			if got := keysOf(infos); !reflect.DeepEqual(got, tt.wantList) {
				t.Errorf("ListKeys() = %v, want %v", got, tt.wantList)
			}

			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := e.Shutdown(sctx); err != nil {
				t.Fatalf("Shutdown() error = %v", err)
			}
			got, ok := e.ReadIndex(ctx, target)
			if !ok || !reflect.DeepEqual(got, tt.wantIndex) {
				t.Errorf("index after background work = %v (ok %v), want %v", got, ok, tt.wantIndex)
			}
		})
	}
}

func TestShutdown_DrainsQueuedWrites(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	e := newTestEngine(t, newTransport(), func(c *Config) { c.Workers = 1 })
	target := textTarget(srv)
	ctx := context.Background()

	if err := e.Reindex(ctx, target, []string{"a", "b"}); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	e.ScheduleAdd(target, "c")
	e.ScheduleRemove(target, "a")

	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got, _ := e.ReadIndex(ctx, target); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("ReadIndex() after Shutdown = %v, want [b c]", got)
	}

	e.ScheduleAdd(target, "d")
	if err := e.Reindex(ctx, target, nil); err == nil {
		t.Error("Reindex() after Shutdown succeeded")
	}
}

func TestShutdown_CancelsWhenContextEnds(t *testing.T) {
	cache := &blockingCache{release: make(chan struct{})}
	defer cache.unblock()
	e := newTestEngine(t, cache, func(c *Config) { c.Workers = 1 })
	e.ScheduleReindex(transport.Target{Address: "127.0.0.1:1"}, []string{"k"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want DeadlineExceeded", err)
	}
}
