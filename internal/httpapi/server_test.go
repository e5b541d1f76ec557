package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/store"
)

type fakeStore struct {
	rows        []core.Participant
	count       int64
	pingErr     error
	lastFilters store.Filters
}

func (f *fakeStore) CountParticipants(ctx context.Context, filters store.Filters) (int64, error) {
	f.lastFilters = filters
	return f.count, nil
}

func (f *fakeStore) ListParticipants(ctx context.Context, filters store.Filters) ([]core.Participant, error) {
	f.lastFilters = filters
	return f.rows, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func fixedClock() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

func newTestServer(st Store, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = fixedClock
	}
	return New(st, opts)
}

func do(t *testing.T, h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLivenessRoutes(t *testing.T) {
	srv := newTestServer(&fakeStore{}, Options{})
	h := srv.Handler()

	for _, path := range []string{"/", "/health"} {
		rec := do(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
			t.Fatalf("%s = %d %q", path, rec.Code, rec.Body.String())
		}
	}
	if rec := do(t, h, http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/ping", nil)
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if body["status"] != "alive" || body["timestamp"] != "2024-01-02 03:04:05" || body["message"] != pingMessage {
		t.Fatalf("unexpected ping body %v", body)
	}
}

func TestHealthzReflectsStore(t *testing.T) {
	st := &fakeStore{}
	h := newTestServer(st, Options{}).Handler()
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	st.pingErr = errors.New("down")
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestParticipantsAndCount(t *testing.T) {
	st := &fakeStore{count: 7, rows: []core.Participant{{ID: "UC1", DisplayName: "Ann", RawJSON: "{}"}}}
	h := newTestServer(st, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/participants?delivered=false&name=An&limit=5&order=asc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("participants = %d %s", rec.Code, rec.Body.String())
	}
	var rows []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "UC1" {
		t.Fatalf("unexpected rows %v", rows)
	}
	if _, ok := rows[0]["RawJSON"]; ok {
		t.Fatalf("raw payload must not be exposed")
	}
	f := st.lastFilters
	if f.Delivered == nil || *f.Delivered || f.Limit != 5 || f.Order != store.OrderAsc || len(f.Names) != 1 || f.Names[0] != "an" {
		t.Fatalf("unexpected filters %+v", f)
	}

	rec = do(t, h, http.MethodGet, "/count", nil)
	if !strings.Contains(rec.Body.String(), `"count":7`) {
		t.Fatalf("unexpected count body %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/participants?limit=zero", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestInfoIncludesBuildAndStatus(t *testing.T) {
	h := newTestServer(&fakeStore{}, Options{
		Build:          BuildInfo{Version: "1.2.3", Revision: "abc"},
		ConfigSnapshot: map[string]any{"feed": "@creator"},
		Status:         func() any { return map[string]any{"streaming": true} },
	}).Handler()

	rec := do(t, h, http.MethodGet, "/info", nil)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["version"] != "1.2.3" || body["rev"] != "abc" {
		t.Fatalf("unexpected info %v", body)
	}
	if relay, _ := body["relay"].(map[string]any); relay["streaming"] != true {
		t.Fatalf("missing relay status in %v", body)
	}
	if cfg, _ := body["config"].(map[string]any); cfg["feed"] != "@creator" {
		t.Fatalf("missing config snapshot in %v", body)
	}
}

func TestMetricsEndpointAndCounters(t *testing.T) {
	m := NewMetrics()
	h := newTestServer(&fakeStore{}, Options{EnableMetrics: true, Metrics: m}).Handler()

	m.ObserveDelivery("photo+rich", true)
	m.ObserveDelivery("failed", false)
	m.IncStoreErrors("ensure")
	do(t, h, http.MethodGet, "/health", nil)

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("photo+rich", "ok")); got != 1 {
		t.Fatalf("expected 1 ok delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("health", "GET", "200")); got != 1 {
		t.Fatalf("expected 1 health request, got %v", got)
	}

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if !strings.Contains(rec.Body.String(), `chatrelay_store_errors_total{op="ensure"} 1`) {
		t.Fatalf("metrics output missing store errors:\n%s", rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	m := NewMetrics()
	h := newTestServer(&fakeStore{}, Options{RateLimitRPS: 1, RateLimitBurst: 1, Metrics: m}).Handler()

	if rec := do(t, h, http.MethodGet, "/count", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/count", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/count", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}); rec.Code != http.StatusOK {
		t.Fatalf("expected a separate bucket per client, got %d", rec.Code)
	}
	for i := 0; i < 3; i++ {
		if rec := do(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
			t.Fatalf("liveness probe %d limited: %d", i, rec.Code)
		}
	}
	if got := testutil.ToFloat64(m.rateLimited); got != 1 {
		t.Fatalf("expected rate limited counter 1, got %v", got)
	}
}

func TestCORS(t *testing.T) {
	h := newTestServer(&fakeStore{}, Options{CORSOrigins: []string{"https://ok.example"}}).Handler()

	rec := do(t, h, http.MethodOptions, "/participants", map[string]string{"Origin": "https://ok.example"})
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://ok.example" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}
	rec = do(t, h, http.MethodGet, "/health", map[string]string{"Origin": "https://evil.example"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}

func TestGzip(t *testing.T) {
	h := newTestServer(&fakeStore{}, Options{}).Handler()
	rec := do(t, h, http.MethodGet, "/ping", map[string]string{"Accept-Encoding": "gzip"})
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, headers %v", rec.Header())
	}
}

func TestStreamPushesMatchingParticipants(t *testing.T) {
	srv := newTestServer(&fakeStore{}, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	resp, err := http.Get(ts.URL + "/stream?name=ann")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); line != ":ok\n" {
		t.Fatalf("unexpected first line %q", line)
	}
	_, _ = reader.ReadString('\n')

	srv.Broadcast(core.Participant{ID: "UC2", DisplayName: "Bob", Delivered: true})
	srv.Broadcast(core.Participant{ID: "UC1", DisplayName: "Annie", Delivered: true})

	if line, _ := reader.ReadString('\n'); line != "event: participant\n" {
		t.Fatalf("unexpected event line %q", line)
	}
	data, _ := reader.ReadString('\n')
	if !strings.Contains(data, `"id":"UC1"`) {
		t.Fatalf("expected UC1 payload, got %q", data)
	}
}

func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		got := len(srv.clients)
		srv.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d live clients", n)
}

func TestWebSocketPushesParticipants(t *testing.T) {
	srv := newTestServer(&fakeStore{}, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?delivered=true", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, srv, 1)
	srv.Broadcast(core.Participant{ID: "UC9", DisplayName: "Zed", Delivered: true})

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("unexpected message type %v", typ)
	}
	var p core.Participant
	if err := json.Unmarshal(data, &p); err != nil || p.ID != "UC9" {
		t.Fatalf("unexpected payload %s (%v)", data, err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected connection to close on shutdown")
	} else if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v (%v)", status, err)
	}
}
