package command

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/memscope-go/internal/cli/connection"
	"github.com/yndnr/memscope-go/internal/core/service"
	"github.com/yndnr/memscope-go/internal/keyindex"
	"github.com/yndnr/memscope-go/internal/protocol/memcachetest"
	"github.com/yndnr/memscope-go/internal/registry"
	"github.com/yndnr/memscope-go/internal/server/httpserver"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
	"github.com/yndnr/memscope-go/internal/transport"
)

// testEnv is a memscope server over a fake cache, plus the state one CLI
// user keeps between commands.
type testEnv struct {
	url     string
	cache   *memcachetest.Server
	cfgPath string
	mgr     *connection.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := metric.NewRegistry()

	tcfg := transport.DefaultConfig()
	tcfg.Logger = logger
	tcfg.Metrics = metrics
	tr := transport.New(tcfg)

	reg := registry.New(tr, registry.Config{TunnelKeepAlive: -1, Logger: logger, Metrics: metrics})
	t.Cleanup(reg.Shutdown)

	icfg := keyindex.DefaultConfig()
	icfg.Logger = logger
	icfg.Metrics = metrics
	index := keyindex.New(tr, icfg)
	t.Cleanup(index.Close)

	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Service: service.NewCacheService(reg, tr, index, logger),
		Metrics: metrics,
		Logger:  logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	cache := memcachetest.NewServer()
	t.Cleanup(cache.Close)

	return &testEnv{
		url:     srv.URL,
		cache:   cache,
		cfgPath: filepath.Join(t.TempDir(), "cli.yaml"),
		mgr:     connection.NewManager(),
	}
}

type result struct {
	out string
	err string
}

// run executes one CLI invocation with stdin as input.
func (e *testEnv) run(t *testing.T, stdin string, args ...string) (result, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := NewApp(e.mgr)
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {}

	full := append([]string{Name, "--server", e.url, "--config", e.cfgPath}, args...)
	err := app.Run(full)
	return result{out: out.String(), err: errOut.String()}, err
}

// mustRun is run that fails the test on error.
func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	res, err := e.run(t, "", args...)
	if err != nil {
		t.Fatalf("%v: %v\nstdout: %s\nstderr: %s", args, err, res.out, res.err)
	}
	return res.out
}

// connect opens a connection to the fake cache and returns its id.
func (e *testEnv) connect(t *testing.T) string {
	t.Helper()
	e.mustRun(t, "connect", e.cache.Addr())
	id := e.mgr.Current()
	if id == "" {
		t.Fatal("connect did not set the current connection")
	}
	return id
}
