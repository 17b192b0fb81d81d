package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}
	if r.registry == nil {
		t.Error("registry field is nil")
	}
	if r.CacheCalls == nil || r.CacheCallDuration == nil {
		t.Error("cache metrics are nil")
	}
	if r.RequestsTotal == nil || r.RequestDuration == nil {
		t.Error("request metrics are nil")
	}
}

func TestGlobal(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() should return the same instance")
	}
}

func TestHandler(t *testing.T) {
	bodyStr := scrape(t, Global())

	if !strings.Contains(bodyStr, "go_goroutines") {
		t.Error("expected go_goroutines metric")
	}
}

func TestCacheCallMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordCacheCall("stats", "text", "ok", 0.002)
	r.RecordCacheCall("stats", "text", "ok", 0.004)
	r.RecordCacheCall("get", "binary", "timeout", 5)
	r.AddCacheBytesRead(512)

	bodyStr := scrape(t, r)

	if !strings.Contains(bodyStr, `memscope_cache_calls_total{command="stats",dialect="text",outcome="ok"} 2`) {
		t.Error("expected memscope_cache_calls_total for text stats ok")
	}
	if !strings.Contains(bodyStr, `memscope_cache_calls_total{command="get",dialect="binary",outcome="timeout"} 1`) {
		t.Error("expected memscope_cache_calls_total for binary get timeout")
	}
	if !strings.Contains(bodyStr, "memscope_cache_call_duration_seconds_bucket") {
		t.Error("expected memscope_cache_call_duration_seconds_bucket")
	}
	if !strings.Contains(bodyStr, "memscope_cache_read_bytes_total 512") {
		t.Error("expected memscope_cache_read_bytes_total 512")
	}
}

func TestConnectionAndIndexMetrics(t *testing.T) {
	r := NewRegistry()

	r.IncConnectionCreated("text")
	r.IncConnectionCreated("text")
	r.IncConnectionClosed("expired")
	r.RecordReindex(true, 3)
	r.RecordReindex(false, 0)
	r.IncReindexDropped()

	bodyStr := scrape(t, r)

	for _, want := range []string{
		`memscope_connections_created_total{dialect="text"} 2`,
		`memscope_connections_closed_total{reason="expired"} 1`,
		`memscope_index_rebuilds_total{outcome="success"} 1`,
		`memscope_index_rebuilds_total{outcome="failure"} 1`,
		"memscope_index_rebuilds_dropped_total 1",
		"memscope_index_last_rebuild_keys 3",
	} {
		if !strings.Contains(bodyStr, want) {
			t.Errorf("expected %s", want)
		}
	}
}

func TestRequestMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordRequest("GET", "/connections", "200")
	r.ObserveRequestDuration("GET", "/connections", 0.005)

	bodyStr := scrape(t, r)

	if !strings.Contains(bodyStr, `memscope_requests_total{method="GET",route="/connections",status="200"} 1`) {
		t.Error("expected memscope_requests_total for GET /connections 200")
	}
	if !strings.Contains(bodyStr, "memscope_request_duration_seconds_count") {
		t.Error("expected memscope_request_duration_seconds_count")
	}
}

type fakeSource struct{ conns, tunnels int }

func (f fakeSource) Len() int     { return f.conns }
func (f fakeSource) Tunnels() int { return f.tunnels }

func TestCollector(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewCollector(fakeSource{conns: 4, tunnels: 1}))

	bodyStr := scrape(t, r)

	if !strings.Contains(bodyStr, "memscope_connections_live 4") {
		t.Error("expected memscope_connections_live 4")
	}
	if !strings.Contains(bodyStr, "memscope_tunnels_live 1") {
		t.Error("expected memscope_tunnels_live 1")
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.RecordCacheCall("get", "text", "ok", 0.001)
				r.RecordRequest("GET", "/health", "200")
				r.IncReindexDropped()
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if !strings.Contains(scrape(t, r), "memscope_index_rebuilds_dropped_total 1000") {
		t.Error("expected memscope_index_rebuilds_dropped_total 1000")
	}
}
