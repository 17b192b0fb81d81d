package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/protocol/wire"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
)

// Default limits.
const (
	DefaultConnectCeiling = 10 * time.Second
	DefaultReadBufferSize = 16 * 1024
)

// Target is everything needed to reach one cache server.
type Target struct {
	// Name identifies the target for pacing and logs, usually the connection id.
	// Address is used when empty.
	Name string

	// Address is the host:port actually dialed. For tunneled connections this
	// is the local tunnel endpoint.
	Address string

	Dialect     domain.Dialect
	Credentials *domain.Credentials
	Timeout     time.Duration
}

func (t Target) key() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

// Result is the decoded reply. Which fields are set depends on the command.
type Result struct {
	Stats map[string]string // StatsCommand
	Items []domain.Item     // DumpCommand
	Item  domain.Item       // GetCommand, valid when Found
	Found bool              // GetCommand, DeleteCommand
}

// Config configures a Transport.
type Config struct {
	// ConnectCeiling caps the connect timer regardless of the target timeout.
	ConnectCeiling time.Duration

	// MaxRequestsPerSecond paces calls per target. 0 disables pacing.
	MaxRequestsPerSecond float64

	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int

	Logger  *slog.Logger
	Metrics *metric.Registry
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		ConnectCeiling: DefaultConnectCeiling,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// Transport executes single commands against cache servers.
//
// Every call opens its own socket and closes it before returning, so
// concurrent calls against one target are safe but unordered.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	dialer net.Dialer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Transport.
func New(cfg Config) *Transport {
	if cfg.ConnectCeiling <= 0 {
		cfg.ConnectCeiling = DefaultConnectCeiling
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.Global()
	}
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "transport"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Execute runs one command: connect, authenticate (binary only), send, decode, close.
// Exactly one of the result or the error is non-nil, and the socket is
// closed before either is returned.
func (t *Transport) Execute(ctx context.Context, target Target, cmd Command) (res *Result, err error) {
	start := time.Now()
	defer func() {
		t.record(target, cmd, time.Since(start), err)
	}()

	if target.Timeout <= 0 {
		target.Timeout = domain.DefaultTimeoutSeconds * time.Second
	}

	// Encode first: unsupported commands never reach a socket.
	var (
		textReq wire.TextRequest
		binReq  []byte
	)
	switch target.Dialect {
	case domain.DialectBinary:
		if target.Credentials == nil {
			return nil, domain.ErrMissingArgument.WithDetails("binary dialect requires credentials")
		}
		if binReq, err = encodeBinary(cmd); err != nil {
			return nil, err
		}
	default:
		if textReq, err = encodeText(cmd); err != nil {
			return nil, err
		}
	}

	if err := t.pace(ctx, target.key()); err != nil {
		return nil, err
	}

	conn, err := t.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	s := &session{
		conn:    conn,
		timeout: target.Timeout,
		buf:     make([]byte, t.cfg.ReadBufferSize),
		metrics: t.cfg.Metrics,
	}
	if target.Dialect == domain.DialectBinary {
		return s.runBinary(target.Credentials, cmd, binReq)
	}
	return s.runText(cmd, textReq)
}

// Stats fetches statistics. An empty arg asks for general statistics.
func (t *Transport) Stats(ctx context.Context, target Target, arg string) (map[string]string, error) {
	res, err := t.Execute(ctx, target, StatsCommand{Arg: arg})
	if err != nil {
		return nil, err
	}
	return res.Stats, nil
}

// Dump lists up to limit items of one slab.
func (t *Transport) Dump(ctx context.Context, target Target, slabID, limit int) ([]domain.Item, error) {
	res, err := t.Execute(ctx, target, DumpCommand{SlabID: slabID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Get fetches one value. found is false on a miss.
func (t *Transport) Get(ctx context.Context, target Target, key string) (domain.Item, bool, error) {
	res, err := t.Execute(ctx, target, GetCommand{Key: key})
	if err != nil {
		return domain.Item{}, false, err
	}
	return res.Item, res.Found, nil
}

// Set stores one value.
func (t *Transport) Set(ctx context.Context, target Target, key string, value []byte, ttl uint32) error {
	_, err := t.Execute(ctx, target, SetCommand{Key: key, Value: value, TTL: ttl})
	return err
}

// Delete removes one key. found is false when the key did not exist.
func (t *Transport) Delete(ctx context.Context, target Target, key string) (bool, error) {
	res, err := t.Execute(ctx, target, DeleteCommand{Key: key})
	if err != nil {
		return false, err
	}
	return res.Found, nil
}

// Flush invalidates all items.
func (t *Transport) Flush(ctx context.Context, target Target) error {
	_, err := t.Execute(ctx, target, FlushCommand{})
	return err
}

// Forget drops the pacing state of a target.
func (t *Transport) Forget(name string) {
	t.mu.Lock()
	delete(t.limiters, name)
	t.mu.Unlock()
}

func (t *Transport) limiter(name string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limiters[name]
	if !ok {
		burst := int(t.cfg.MaxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(t.cfg.MaxRequestsPerSecond), burst)
		t.limiters[name] = lim
	}
	return lim
}

func (t *Transport) pace(ctx context.Context, name string) error {
	if t.cfg.MaxRequestsPerSecond <= 0 {
		return nil
	}
	if err := t.limiter(name).Wait(ctx); err != nil {
		return domain.ErrTransportTimeout.WithDetails("waiting for request pacing").WithCause(err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, target Target) (net.Conn, error) {
	timeout := min(target.Timeout, t.cfg.ConnectCeiling)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.dialer.DialContext(dctx, "tcp", target.Address)
	if err != nil {
		return nil, classify(err, "connect "+target.Address)
	}
	return conn, nil
}

func (t *Transport) record(target Target, cmd Command, elapsed time.Duration, err error) {
	outcome := Outcome(err)
	t.cfg.Metrics.RecordCacheCall(cmd.Name(), target.Dialect.String(), outcome, elapsed.Seconds())
	if err != nil {
		t.logger.Debug("cache call failed",
			"target", target.key(),
			"command", cmd.Name(),
			"outcome", outcome,
			"duration", elapsed,
			"error", err)
		return
	}
	t.logger.Debug("cache call",
		"target", target.key(),
		"command", cmd.Name(),
		"duration", elapsed)
}

// Outcome maps an error to a short metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTransportTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrTransportIO):
		return "io"
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return "auth"
	case errors.Is(err, domain.ErrUnsupportedCommand):
		return "unsupported"
	case errors.Is(err, domain.ErrProtocol):
		return "protocol"
	default:
		return "error"
	}
}

// classify folds socket errors into the two transport error kinds.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return domain.ErrTransportTimeout.WithDetails(op).WithCause(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.ErrTransportIO.WithDetails(op + ": connection closed before reply completed")
	}
	return domain.ErrTransportIO.WithDetails(op).WithCause(err)
}

// session is one socket for one call.
type session struct {
	conn    net.Conn
	timeout time.Duration
	buf     []byte
	metrics *metric.Registry
}

func (s *session) write(p []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return classify(err, "set write deadline")
	}
	if _, err := s.conn.Write(p); err != nil {
		return classify(err, "write")
	}
	return nil
}

// fill reads the next chunk. The read deadline is pushed forward before every
// read, so it only fires after a full timeout without any progress.
func (s *session) fill() ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, classify(err, "set read deadline")
	}
	n, err := s.conn.Read(s.buf)
	if n > 0 {
		s.metrics.AddCacheBytesRead(n)
		return s.buf[:n], nil
	}
	if err != nil {
		return nil, classify(err, "read")
	}
	return nil, nil
}

func (s *session) nextFrame(dec *wire.Decoder) (*wire.Frame, error) {
	for {
		f, ok, err := dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return f, nil
		}
		p, err := s.fill()
		if err != nil {
			if n := dec.Buffered(); n > 0 {
				return nil, fmt.Errorf("incomplete frame, %d bytes buffered: %w", n, err)
			}
			return nil, err
		}
		dec.Feed(p)
	}
}

func (s *session) runBinary(creds *domain.Credentials, cmd Command, req []byte) (*Result, error) {
	dec := &wire.Decoder{}

	if err := s.write(wire.EncodeSASLPlain(creds.Username, creds.Password)); err != nil {
		return nil, err
	}
	f, err := s.nextFrame(dec)
	if err != nil {
		return nil, err
	}
	if f.Status == wire.StatusAuthError {
		return nil, f.Err()
	}
	if err := f.Err(); err != nil {
		return nil, domain.ErrAuthenticationFailed.WithCause(err)
	}

	if err := s.write(req); err != nil {
		return nil, err
	}

	switch cmd.(type) {
	case StatsCommand:
		c := wire.NewStatsCollector()
		for {
			f, err := s.nextFrame(dec)
			if err != nil {
				return nil, err
			}
			done, err := c.Add(f)
			if err != nil {
				return nil, err
			}
			if done {
				return &Result{Stats: c.Stats()}, nil
			}
		}
	case GetCommand:
		f, err := s.nextFrame(dec)
		if err != nil {
			return nil, err
		}
		if f.Status == wire.StatusKeyNotFound {
			return &Result{}, nil
		}
		if err := f.Err(); err != nil {
			return nil, err
		}
		key := cmd.(GetCommand).Key
		return &Result{Found: true, Item: domain.Item{Key: key, Value: f.Value, Size: len(f.Value)}}, nil
	case DeleteCommand:
		f, err := s.nextFrame(dec)
		if err != nil {
			return nil, err
		}
		if f.Status == wire.StatusKeyNotFound {
			return &Result{}, nil
		}
		if err := f.Err(); err != nil {
			return nil, err
		}
		return &Result{Found: true}, nil
	default:
		f, err := s.nextFrame(dec)
		if err != nil {
			return nil, err
		}
		if err := f.Err(); err != nil {
			return nil, err
		}
		return &Result{}, nil
	}
}

func (s *session) runText(cmd Command, req wire.TextRequest) (*Result, error) {
	if err := s.write(req.Line); err != nil {
		return nil, err
	}

	sc := wire.NewTextScanner(req.Op)
	for {
		p, err := s.fill()
		if err != nil {
			return nil, err
		}
		done, err := sc.Feed(p)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	reply := sc.Bytes()

	switch c := cmd.(type) {
	case StatsCommand:
		stats, err := wire.ParseStats(reply)
		if err != nil {
			return nil, err
		}
		return &Result{Stats: stats}, nil
	case DumpCommand:
		items, err := wire.ParseDump(reply, c.SlabID)
		if err != nil {
			return nil, err
		}
		return &Result{Items: items}, nil
	case GetCommand:
		item, found, err := wire.ParseValue(reply)
		if err != nil {
			return nil, err
		}
		return &Result{Item: item, Found: found}, nil
	case SetCommand:
		if err := wire.StoreResult(reply); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case DeleteCommand:
		found, err := wire.DeleteResult(reply)
		if err != nil {
			return nil, err
		}
		return &Result{Found: found}, nil
	default:
		if err := wire.FlushResult(reply); err != nil {
			return nil, err
		}
		return &Result{}, nil
	}
}
