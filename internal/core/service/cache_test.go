package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/keyindex"
	"github.com/yndnr/memscope-go/internal/protocol/memcachetest"
	"github.com/yndnr/memscope-go/internal/registry"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
	"github.com/yndnr/memscope-go/internal/transport"
)

type testStack struct {
	svc   *CacheService
	reg   *registry.Registry
	index *keyindex.Engine
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := metric.NewRegistry()

	tcfg := transport.DefaultConfig()
	tcfg.Logger = logger
	tcfg.Metrics = metrics
	tr := transport.New(tcfg)

	reg := registry.New(tr, registry.Config{Logger: logger, Metrics: metrics})
	t.Cleanup(reg.Shutdown)

	icfg := keyindex.DefaultConfig()
	icfg.Logger = logger
	icfg.Metrics = metrics
	index := keyindex.New(tr, icfg)
	t.Cleanup(index.Close)

	return &testStack{
		svc:   NewCacheService(reg, tr, index, logger),
		reg:   reg,
		index: index,
	}
}

func connect(t *testing.T, s *testStack, srv *memcachetest.Server) string {
	t.Helper()
	host, port := srv.HostPort()
	resp, err := s.svc.CreateConnection(context.Background(), domain.ConnectionParams{Host: host, Port: port})
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	return resp.ID
}

func TestCacheService_KeyLifecycle(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	s := newTestStack(t)
	ctx := context.Background()
	id := connect(t, s, srv)

	if err := s.svc.SetKey(ctx, id, SetKeyRequest{Key: "greeting", Value: "hello", TTLSeconds: 60}); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	info, err := s.svc.GetKey(ctx, id, "greeting")
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if info.Value != "hello" || info.SizeBytes != 5 {
		t.Errorf("GetKey() = %+v", info)
	}

	list, err := s.svc.ListKeys(ctx, id, ListKeysRequest{Search: "greet"})
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if list.Count != 1 || list.Keys[0].Key != "greeting" {
		t.Errorf("ListKeys() = %+v", list)
	}
	if ttl := list.Keys[0].TimeUntilExpirationSecond; ttl <= 0 || ttl > 60 {
		t.Errorf("ttl = %d, want within (0, 60]", ttl)
	}

	if err := s.svc.DeleteKey(ctx, id, "greeting"); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}
	if _, err := s.svc.GetKey(ctx, id, "greeting"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("GetKey(deleted) error = %v", err)
	}
	if err := s.svc.DeleteKey(ctx, id, "greeting"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("DeleteKey(deleted) error = %v", err)
	}

	srv.Put("a", []byte("1"), 0)
	if err := s.svc.FlushAll(ctx, id); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	// Background index writes may land after the flush; user keys may not.
	for _, k := range srv.Keys() {
		if !keyindex.IsReserved(k) {
			t.Errorf("key %q survived the flush", k)
		}
	}
}

func TestCacheService_GetStatus(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	s := newTestStack(t)
	id := connect(t, s, srv)
	srv.Put("k", []byte("v"), 0)

	st, err := s.svc.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.Connection.ID != id || st.Connection.Dialect != "text" {
		t.Errorf("Connection = %+v", st.Connection)
	}
	if st.Stats["curr_items"] != "1" {
		t.Errorf("curr_items = %q", st.Stats["curr_items"])
	}
	if len(st.Slabs) != 1 {
		t.Errorf("Slabs = %+v", st.Slabs)
	}
}

func TestCacheService_Validation(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	s := newTestStack(t)
	ctx := context.Background()
	id := connect(t, s, srv)

	tests := []struct {
		name string
		req  SetKeyRequest
	}{
		{"empty key", SetKeyRequest{Key: "", Value: "v"}},
		{"key with space", SetKeyRequest{Key: "a b", Value: "v"}},
		{"key with control char", SetKeyRequest{Key: "a\x01", Value: "v"}},
		{"key too long", SetKeyRequest{Key: strings.Repeat("k", 251), Value: "v"}},
		{"negative ttl", SetKeyRequest{Key: "k", Value: "v", TTLSeconds: -1}},
		{"reserved key", SetKeyRequest{Key: keyindex.ManifestKey, Value: "[]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.svc.SetKey(ctx, id, tt.req); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("SetKey() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
	if srv.Commands("set") != 0 {
		t.Errorf("invalid input reached the server")
	}
	if _, err := s.svc.ListKeys(ctx, id, ListKeysRequest{Limit: -1}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("ListKeys(limit -1) error = %v", err)
	}
}

func TestCacheService_UnknownConnection(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	const id = "mc-01hzzzzzzzzzzzzzzzzzzzzzzz"

	if _, err := s.svc.GetStatus(ctx, id); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Errorf("GetStatus() error = %v", err)
	}
	if _, err := s.svc.ListKeys(ctx, id, ListKeysRequest{}); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Errorf("ListKeys() error = %v", err)
	}
	if _, err := s.svc.GetKey(ctx, id, "k"); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Errorf("GetKey() error = %v", err)
	}
	if err := s.svc.FlushAll(ctx, id); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Errorf("FlushAll() error = %v", err)
	}
	if err := s.svc.CloseConnection(ctx, id); err != nil {
		t.Errorf("CloseConnection(unknown) error = %v", err)
	}
}

func TestCacheService_CloseAndList(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	s := newTestStack(t)
	ctx := context.Background()

	a := connect(t, s, srv)
	b := connect(t, s, srv)
	got := s.svc.ListConnections(ctx)
	if len(got) != 2 {
		t.Fatalf("ListConnections() = %+v", got)
	}
	ids := []string{got[0].ID, got[1].ID}
	if !reflect.DeepEqual(ids, []string{a, b}) && !reflect.DeepEqual(ids, []string{b, a}) {
		t.Errorf("ListConnections() ids = %v", ids)
	}

	if err := s.svc.CloseConnection(ctx, a); err != nil {
		t.Fatalf("CloseConnection() error = %v", err)
	}
	if err := s.svc.CloseConnection(ctx, a); err != nil {
		t.Errorf("second CloseConnection() error = %v", err)
	}
	if got := s.svc.ListConnections(ctx); len(got) != 1 || got[0].ID != b {
		t.Errorf("ListConnections() after close = %+v", got)
	}
}

func TestCacheService_OperationsTouch(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	s := newTestStack(t)
	ctx := context.Background()
	id := connect(t, s, srv)

	e, err := s.reg.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	before := e.Deadline()
	time.Sleep(10 * time.Millisecond)

	if _, err := s.svc.GetStatus(ctx, id); err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if !e.Deadline().After(before) {
		t.Errorf("deadline not pushed forward: %v -> %v", before, e.Deadline())
	}
}
