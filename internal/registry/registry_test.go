package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/protocol/memcachetest"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
	"github.com/yndnr/memscope-go/internal/transport"
	"github.com/yndnr/memscope-go/internal/tunnel/sshtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingProber struct {
	*transport.Transport
	forgets atomic.Int32
}

func (p *countingProber) Forget(name string) {
	p.forgets.Add(1)
	p.Transport.Forget(name)
}

func newProber() *countingProber {
	cfg := transport.DefaultConfig()
	cfg.Metrics = metric.NewRegistry()
	return &countingProber{Transport: transport.New(cfg)}
}

func newTestRegistry(t *testing.T, clock *fakeClock) (*Registry, *countingProber) {
	t.Helper()
	p := newProber()
	cfg := Config{
		TunnelDialTimeout: 2 * time.Second,
		TunnelKeepAlive:   -1,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           metric.NewRegistry(),
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	r := New(p, cfg)
	t.Cleanup(r.Shutdown)
	return r, p
}

func cacheParams(srv *memcachetest.Server, timeout int) domain.ConnectionParams {
	host, port := srv.HostPort()
	return domain.ConnectionParams{Host: host, Port: port, TimeoutSeconds: timeout}
}

func TestRegistry_CreateResolveList(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	r, _ := newTestRegistry(t, nil)

	id, err := r.Create(context.Background(), cacheParams(srv, 5))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !domain.IsValidConnectionID(id) {
		t.Errorf("id %q is not a valid connection id", id)
	}
	if srv.Commands("stats") != 1 {
		t.Errorf("probe count = %d, want 1", srv.Commands("stats"))
	}

	e, err := r.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if e.Dialect() != domain.DialectText || e.Target().Address != srv.Addr() {
		t.Errorf("entry target = %+v", e.Target())
	}

	list := r.List()
	if len(list) != 1 || list[0].ID != id || list[0].Tunneled {
		t.Errorf("List() = %+v", list)
	}
	if r.Len() != 1 || r.Tunnels() != 0 {
		t.Errorf("Len() = %d, Tunnels() = %d", r.Len(), r.Tunnels())
	}
}

func TestRegistry_CreateBinaryUsesCredentials(t *testing.T) {
	srv := memcachetest.NewAuthServer("admin", "secret")
	defer srv.Close()
	r, _ := newTestRegistry(t, nil)

	params := cacheParams(srv, 5)
	params.Credentials = &domain.Credentials{Username: "admin", Password: "wrong"}
	if _, err := r.Create(context.Background(), params); !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Fatalf("Create(wrong password) error = %v", err)
	}

	params.Credentials.Password = "secret"
	id, err := r.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	e, _ := r.Resolve(id)
	if e.Dialect() != domain.DialectBinary {
		t.Errorf("Dialect() = %v, want binary", e.Dialect())
	}
}

func TestRegistry_CreateFailureLeavesNothing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	r, p := newTestRegistry(t, nil)
	_, err = r.Create(context.Background(), domain.ConnectionParams{Host: "127.0.0.1", Port: addr.Port, TimeoutSeconds: 1})
	if err == nil {
		t.Fatal("Create() against a closed port succeeded")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after failed create", r.Len())
	}
	if p.forgets.Load() != 1 {
		t.Errorf("transport state not released")
	}

	if _, err := r.Create(context.Background(), domain.ConnectionParams{}); !errors.Is(err, domain.ErrMissingArgument) {
		t.Errorf("Create(empty) error = %v", err)
	}
}

func TestRegistry_TouchKeepsConnectionAlive(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r, _ := newTestRegistry(t, clock)

	id, err := r.Create(context.Background(), cacheParams(srv, 5))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	clock.Advance(5*time.Second - time.Millisecond)
	if err := r.Touch(id); err != nil {
		t.Fatalf("Touch() at timeout-ε error = %v", err)
	}

	// Past the original deadline but inside the renewed one.
	clock.Advance(time.Second)
	r.Sweep(clock.Now())
	if _, err := r.Resolve(id); err != nil {
		t.Fatalf("Resolve() after touch error = %v", err)
	}

	clock.Advance(5 * time.Second)
	r.Sweep(clock.Now())
	if _, err := r.Resolve(id); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Fatalf("Resolve() after idle timeout error = %v", err)
	}
	if err := r.Touch(id); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Errorf("Touch() on expired id error = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ResolveExpiresWithoutSweep(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r, _ := newTestRegistry(t, clock)

	id, err := r.Create(context.Background(), cacheParams(srv, 2))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(2 * time.Second)

	if _, err := r.Resolve(id); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrConnectionNotFound", err)
	}
	if _, err := r.Resolve("mc-unknown"); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Errorf("Resolve(unknown) error = %v", err)
	}
}

func TestRegistry_SweepSkipsSupersededDeadlines(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r, _ := newTestRegistry(t, clock)

	id, err := r.Create(context.Background(), cacheParams(srv, 1))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(500 * time.Millisecond)
		if err := r.Touch(id); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
	}

	// Every earlier deadline is due, the live one is not.
	clock.Advance(900 * time.Millisecond)
	if n := r.Sweep(clock.Now()); n != 0 {
		t.Errorf("Sweep() closed %d, want 0", n)
	}
	if _, err := r.Resolve(id); err != nil {
		t.Errorf("Resolve() error = %v", err)
	}
}

func TestRegistry_TouchKeepsOneScheduledDeadline(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r, _ := newTestRegistry(t, clock)

	a, err := r.Create(context.Background(), cacheParams(srv, 30))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b, err := r.Create(context.Background(), cacheParams(srv, 30))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 1000; i++ {
		clock.Advance(time.Millisecond)
		if err := r.Touch(a); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
	}
	if n := r.sched.len(); n != 2 {
		t.Errorf("scheduled deadlines = %d, want 2", n)
	}

	r.Close(a)
	if n := r.sched.len(); n != 1 {
		t.Errorf("scheduled deadlines after Close = %d, want 1", n)
	}
	if next, ok := r.sched.next(); !ok || !next.Equal(mustResolve(t, r, b).Deadline()) {
		t.Errorf("next deadline = %v, want the deadline of %s", next, b)
	}
}

func mustResolve(t *testing.T, r *Registry, id string) *Entry {
	t.Helper()
	e, err := r.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve(%s) error = %v", id, err)
	}
	return e
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	r, p := newTestRegistry(t, nil)

	id, err := r.Create(context.Background(), cacheParams(srv, 5))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !r.Close(id) {
		t.Error("first Close() reported nothing closed")
	}
	if r.Close(id) {
		t.Error("second Close() reported a close")
	}
	if _, err := r.Resolve(id); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Errorf("Resolve() after close error = %v", err)
	}
	if p.forgets.Load() != 1 {
		t.Errorf("Forget called %d times, want 1", p.forgets.Load())
	}
}

func TestRegistry_SchedulerExpiresIdleConnections(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	r, _ := newTestRegistry(t, nil)

	// TimeoutSeconds 1 gives the minimum idle window.
	if _, err := r.Create(context.Background(), cacheParams(srv, 1)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not expired by the scheduler")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRegistry_Tunnel(t *testing.T) {
	bastion := sshtest.NewServer("ops", "hunter2")
	defer bastion.Close()
	srv := memcachetest.NewServer()
	defer srv.Close()
	r, _ := newTestRegistry(t, nil)

	params := cacheParams(srv, 5)
	params.Tunnel = &domain.TunnelParams{
		Host:     bastion.Host(),
		Port:     bastion.Port(),
		Username: "ops",
		Password: "hunter2",
	}

	_, err := r.Create(context.Background(), params)
	hk, ok := domain.AsHostKeyError(err)
	if !ok || hk.Mismatch() {
		t.Fatalf("Create() without pin error = %v, want unverified host key", err)
	}
	if r.Len() != 0 || r.Tunnels() != 0 {
		t.Fatalf("state left after host key failure: %d conns, %d tunnels", r.Len(), r.Tunnels())
	}

	params.Tunnel.Fingerprint = hk.Observed
	id, err := r.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create() with pin error = %v", err)
	}
	e, _ := r.Resolve(id)
	if !e.Info().Tunneled || e.Target().Address == srv.Addr() {
		t.Errorf("entry not routed through the tunnel: %+v", e.Target())
	}
	if r.Tunnels() != 1 {
		t.Errorf("Tunnels() = %d, want 1", r.Tunnels())
	}

	bastion.DropConnections()
	deadline := time.Now().Add(3 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not closed after tunnel loss")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if r.Tunnels() != 0 {
		t.Errorf("Tunnels() = %d after loss", r.Tunnels())
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	r, _ := newTestRegistry(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.Create(context.Background(), cacheParams(srv, 5)); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	r.Shutdown()
	r.Shutdown()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Shutdown", r.Len())
	}
}

func TestRegistry_DefaultTimeout(t *testing.T) {
	srv := memcachetest.NewServer()
	defer srv.Close()
	r := New(newProber(), Config{
		DefaultTimeout: 12 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:        metric.NewRegistry(),
	})
	defer r.Shutdown()

	id, err := r.Create(context.Background(), cacheParams(srv, 0))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	e, _ := r.Resolve(id)
	if got := e.Params().TimeoutSeconds; got != 12 {
		t.Errorf("TimeoutSeconds = %d, want 12", got)
	}
}
