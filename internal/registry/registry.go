// Package registry owns the table of live logical connections.
//
// A logical connection is a connection id bound to a cache server target,
// optionally reached through an SSH tunnel. Each connection has an idle
// deadline; one background scheduler closes connections whose deadline
// passes without a Touch. Expired ids are indistinguishable from ids that
// never existed.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
	"github.com/yndnr/memscope-go/internal/transport"
	"github.com/yndnr/memscope-go/internal/tunnel"
	"github.com/yndnr/memscope-go/pkg/cmap"
)

// MinIdleTimeout is the shortest idle window a connection gets.
const MinIdleTimeout = time.Second

// Close reasons, used as metric labels.
const (
	ReasonClosed     = "closed"
	ReasonExpired    = "expired"
	ReasonTunnelLost = "tunnel_lost"
	ReasonShutdown   = "shutdown"
)

// Prober is the part of the transport the registry needs.
type Prober interface {
	Stats(ctx context.Context, target transport.Target, arg string) (map[string]string, error)
	Forget(name string)
}

// Config configures a Registry.
type Config struct {
	// DefaultTimeout applies to connections created without a timeout;
	// zero keeps domain.DefaultTimeoutSeconds.
	DefaultTimeout time.Duration

	TunnelDialTimeout time.Duration
	TunnelKeepAlive   time.Duration

	// Now is the clock; nil uses time.Now.
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// Entry is one live logical connection.
type Entry struct {
	id        string
	params    domain.ConnectionParams
	target    transport.Target
	tunnel    *tunnel.Tunnel
	createdAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	deadline   time.Time
	closed     bool
}

// ID returns the connection id.
func (e *Entry) ID() string { return e.id }

// Target returns the transport target, already pointing at the tunnel
// endpoint when the connection is tunneled.
func (e *Entry) Target() transport.Target { return e.target }

// Dialect returns the dialect fixed at creation.
func (e *Entry) Dialect() domain.Dialect { return e.target.Dialect }

// Params returns the normalized creation parameters.
func (e *Entry) Params() domain.ConnectionParams { return e.params }

// Info returns the public view of the connection.
func (e *Entry) Info() domain.ConnectionInfo {
	e.mu.Lock()
	last := e.lastActive
	e.mu.Unlock()
	return domain.ConnectionInfo{
		ID:         e.id,
		Host:       e.params.Host,
		Port:       e.params.Port,
		Dialect:    e.target.Dialect.String(),
		Tunneled:   e.tunnel != nil,
		CreatedAt:  e.createdAt,
		LastActive: last,
	}
}

func (e *Entry) idleTimeout() time.Duration {
	return max(MinIdleTimeout, e.params.Timeout())
}

// Deadline returns the current idle deadline.
func (e *Entry) Deadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline
}

func (e *Entry) touch(now time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return time.Time{}, false
	}
	e.lastActive = now
	e.deadline = now.Add(e.idleTimeout())
	return e.deadline, true
}

// expireIf marks the entry closed when its deadline still equals deadline.
func (e *Entry) expireIf(deadline time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.deadline.Equal(deadline) {
		return false
	}
	e.closed = true
	return true
}

func (e *Entry) markClosed() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Registry is the connection table. Create one with New and stop it with
// Shutdown.
type Registry struct {
	prober  Prober
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Registry

	conns   *cmap.Map[*Entry]
	tunnels atomic.Int64

	sched *scheduler

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	watchers sync.WaitGroup
}

// New creates a registry and starts its expiry scheduler.
func New(prober Prober, cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.Global()
	}
	r := &Registry{
		prober:  prober,
		cfg:     cfg,
		now:     cfg.Now,
		logger:  cfg.Logger.With("component", "registry"),
		metrics: cfg.Metrics,
		conns:   cmap.New[*Entry](),
		sched:   newScheduler(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Create opens the optional tunnel, probes the cache server with a stats
// call and stores the connection. On failure everything opened so far is
// closed and the error is returned as is, host key errors included.
func (r *Registry) Create(ctx context.Context, params domain.ConnectionParams) (string, error) {
	if params.TimeoutSeconds == 0 && r.cfg.DefaultTimeout >= time.Second {
		params.TimeoutSeconds = int(r.cfg.DefaultTimeout / time.Second)
	}
	if err := params.Normalize(); err != nil {
		return "", err
	}
	id, err := domain.GenerateConnectionID()
	if err != nil {
		return "", err
	}

	target := transport.Target{
		Name:        id,
		Address:     params.Address(),
		Dialect:     params.Dialect(),
		Credentials: params.Credentials,
		Timeout:     params.Timeout(),
	}

	var tun *tunnel.Tunnel
	if tp := params.Tunnel; tp != nil {
		tun, err = tunnel.Open(ctx, tunnel.Config{
			Host:        tp.Host,
			Port:        tp.Port,
			Username:    tp.Username,
			Password:    tp.Password,
			PrivateKey:  []byte(tp.PrivateKey),
			Passphrase:  tp.Passphrase,
			Fingerprint: tp.Fingerprint,
			RemoteHost:  params.Host,
			RemotePort:  params.Port,
			DialTimeout: r.cfg.TunnelDialTimeout,
			KeepAlive:   r.cfg.TunnelKeepAlive,
			Logger:      r.logger,
		})
		if err != nil {
			return "", err
		}
		target.Address = tun.LocalAddr()
	}

	if _, err := r.prober.Stats(ctx, target, ""); err != nil {
		if tun != nil {
			tun.Close()
		}
		r.prober.Forget(id)
		return "", err
	}

	now := r.now()
	e := &Entry{
		id:         id,
		params:     params,
		target:     target,
		tunnel:     tun,
		createdAt:  now,
		lastActive: now,
	}
	e.deadline = now.Add(e.idleTimeout())

	r.conns.Set(id, e)
	if tun != nil {
		r.tunnels.Add(1)
		r.watchTunnel(id, tun)
	}
	r.sched.push(id, e.deadline)

	r.metrics.IncConnectionCreated(target.Dialect.String())
	r.logger.Info("connection created",
		"connection_id", id,
		"address", params.Address(),
		"dialect", target.Dialect.String(),
		"tunneled", tun != nil)
	return id, nil
}

func (r *Registry) watchTunnel(id string, tun *tunnel.Tunnel) {
	r.watchers.Add(1)
	go func() {
		defer r.watchers.Done()
		select {
		case <-tun.Done():
			if r.close(id, ReasonTunnelLost) {
				r.logger.Warn("tunnel lost, connection closed", "connection_id", id)
			}
		case <-r.stopCh:
		}
	}()
}

// Resolve returns the live entry for id. Unknown and expired ids both yield
// ErrConnectionNotFound.
func (r *Registry) Resolve(id string) (*Entry, error) {
	e, ok := r.conns.Get(id)
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	deadline := e.Deadline()
	if !r.now().Before(deadline) {
		if e.expireIf(deadline) {
			r.remove(id, ReasonExpired)
		}
		return nil, domain.ErrConnectionNotFound
	}
	return e, nil
}

// Touch pushes the idle deadline of id to now + max(1s, timeout).
func (r *Registry) Touch(id string) error {
	e, err := r.Resolve(id)
	if err != nil {
		return err
	}
	deadline, ok := e.touch(r.now())
	if !ok {
		return domain.ErrConnectionNotFound
	}
	r.sched.push(id, deadline)
	return nil
}

// Close removes id and closes its tunnel. It reports whether a live
// connection was closed; closing an unknown id is a no-op.
func (r *Registry) Close(id string) bool {
	return r.close(id, ReasonClosed)
}

func (r *Registry) close(id, reason string) bool {
	e, ok := r.conns.Get(id)
	if !ok {
		return false
	}
	e.markClosed()
	return r.remove(id, reason)
}

// remove pops id from the table and releases its resources. Only the caller
// that wins the Pop does the teardown.
func (r *Registry) remove(id, reason string) bool {
	e, ok := r.conns.Pop(id)
	if !ok {
		return false
	}
	r.sched.remove(id)
	if e.tunnel != nil {
		if err := e.tunnel.Close(); err != nil {
			r.logger.Warn("close tunnel failed", "connection_id", id, "error", err)
		}
		r.tunnels.Add(-1)
	}
	r.prober.Forget(id)
	r.metrics.IncConnectionClosed(reason)
	r.logger.Info("connection closed", "connection_id", id, "reason", reason)
	return true
}

// List returns every live connection ordered by creation time.
func (r *Registry) List() []domain.ConnectionInfo {
	entries := r.conns.Values()
	out := make([]domain.ConnectionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int { return r.conns.Len() }

// Tunnels returns the number of live tunnels.
func (r *Registry) Tunnels() int { return int(r.tunnels.Load()) }

// Sweep closes every connection whose deadline is not after now and returns
// how many it closed. Heap entries superseded by a later Touch are skipped.
func (r *Registry) Sweep(now time.Time) int {
	n := 0
	for {
		it, ok := r.sched.popDue(now)
		if !ok {
			return n
		}
		e, ok := r.conns.Get(it.id)
		if !ok || !e.expireIf(it.deadline) {
			continue
		}
		if r.remove(it.id, ReasonExpired) {
			n++
		}
	}
}

// run is the expiry scheduler. It sleeps until the earliest deadline or
// until a push changes the head of the heap.
func (r *Registry) run() {
	defer close(r.doneCh)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if next, ok := r.sched.next(); ok {
			wait = max(0, next.Sub(r.now()))
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			r.Sweep(r.now())
		case <-r.sched.wake:
		case <-r.stopCh:
			return
		}
	}
}

// Shutdown stops the scheduler and closes every connection. It is safe to
// call more than once.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
		for _, e := range r.conns.Values() {
			e.markClosed()
			r.remove(e.id, ReasonShutdown)
		}
		r.watchers.Wait()
		r.logger.Info("registry stopped")
	})
}
