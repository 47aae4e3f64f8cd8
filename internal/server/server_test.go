package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/captionfeed/internal/caption"
	"github.com/MrWong99/captionfeed/internal/health"
	"github.com/MrWong99/captionfeed/internal/identity"
	"github.com/MrWong99/captionfeed/internal/level"
	"github.com/MrWong99/captionfeed/internal/rag"
	"github.com/MrWong99/captionfeed/internal/resilience"
	"github.com/MrWong99/captionfeed/internal/server"
)

type fakeSpeaker struct{ speaking atomic.Bool }

func (f *fakeSpeaker) Speaking() bool { return f.speaking.Load() }

type fakeLevel struct {
	level  float64
	active bool
}

func (f fakeLevel) Level() float64 { return f.level }
func (f fakeLevel) Active() bool   { return f.active }

type fakePermissions struct {
	granted bool
	err     error
	calls   atomic.Int32
}

func (f *fakePermissions) HasPermissions() bool { return f.granted }
func (f *fakePermissions) IsRequesting() bool   { return false }
func (f *fakePermissions) RequestPermissions(context.Context) error {
	f.calls.Add(1)
	if f.err == nil {
		f.granted = true
	}
	return f.err
}

type fakeQuerier struct {
	resp *rag.Response
	err  error
	got  string
}

func (f *fakeQuerier) Query(_ context.Context, q string) (*rag.Response, error) {
	f.got = q
	return f.resp, f.err
}

func newDeps(t *testing.T) server.Deps {
	t.Helper()
	engine := caption.New(caption.DefaultConfig())
	t.Cleanup(engine.Close)
	return server.Deps{
		Engine:   engine,
		Speaker:  &fakeSpeaker{},
		Identity: identity.NewService(identity.NewMemKV()),
	}
}

func newServer(t *testing.T, deps server.Deps, opts ...server.Option) *server.Server {
	t.Helper()
	srv, err := server.New("127.0.0.1:0", deps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type captionsBody struct {
	Seq       uint64          `json:"seq"`
	Captions  []caption.Entry `json:"captions"`
	Speaking  bool            `json:"speaking"`
	Accepting bool            `json:"accepting"`
}

type errorBody struct {
	Error string `json:"error"`
}

func TestNew_RequiresEngineAndIdentity(t *testing.T) {
	t.Parallel()
	if _, err := server.New(":0", server.Deps{Identity: identity.NewService(identity.NewMemKV())}); err == nil {
		t.Error("expected error without engine")
	}
	engine := caption.New(caption.DefaultConfig())
	defer engine.Close()
	if _, err := server.New(":0", server.Deps{Engine: engine}); err == nil {
		t.Error("expected error without identity")
	}
}

func TestCaptions_NewestFirst(t *testing.T) {
	t.Parallel()
	deps := newDeps(t)
	deps.Engine = caption.New(caption.Config{MergeTimeout: time.Nanosecond})
	t.Cleanup(deps.Engine.Close)
	deps.Speaker.(*fakeSpeaker).speaking.Store(true)
	h := newServer(t, deps).Handler()

	deps.Engine.Ingest(caption.RoleUser, "first question")
	time.Sleep(5 * time.Millisecond)
	deps.Engine.Ingest(caption.RoleAssistant, "second answer")

	rec := do(t, h, http.MethodGet, "/v1/captions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[captionsBody](t, rec)
	if len(body.Captions) != 2 || body.Captions[0].Text != "second answer" || body.Captions[1].Text != "first question" {
		t.Errorf("captions = %+v, want newest first", body.Captions)
	}
	if !body.Speaking || !body.Accepting {
		t.Errorf("speaking=%v accepting=%v, want both true", body.Speaking, body.Accepting)
	}
	if body.Seq == 0 {
		t.Error("seq should advance after ingest")
	}
}

func TestCaptions_VisibleCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		query    string
		wantCode int
		wantLen  int
	}{
		{name: "zero shows none", query: "?n=0", wantCode: http.StatusOK, wantLen: 0},
		{name: "explicit count", query: "?n=1", wantCode: http.StatusOK, wantLen: 1},
		{name: "more than stored", query: "?n=50", wantCode: http.StatusOK, wantLen: 1},
		{name: "negative", query: "?n=-1", wantCode: http.StatusBadRequest},
		{name: "not a number", query: "?n=abc", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			deps := newDeps(t)
			deps.Engine.Ingest(caption.RoleAssistant, "hello there")
			h := newServer(t, deps).Handler()

			rec := do(t, h, http.MethodGet, "/v1/captions"+tt.query, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if got := decode[captionsBody](t, rec); len(got.Captions) != tt.wantLen {
				t.Errorf("len(captions) = %d, want %d", len(got.Captions), tt.wantLen)
			}
		})
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		body       string
		stop       bool
		wantCode   int
		wantResult string
	}{
		{name: "created", body: `{"role":"user","text":"hi there"}`, wantCode: http.StatusCreated, wantResult: "created"},
		{name: "default role", body: `{"text":"hi there"}`, wantCode: http.StatusCreated, wantResult: "created"},
		{name: "whitespace ignored", body: `{"role":"user","text":"   "}`, wantCode: http.StatusOK, wantResult: "ignored"},
		{name: "rejected after call end", body: `{"role":"user","text":"late"}`, stop: true, wantCode: http.StatusConflict, wantResult: "rejected"},
		{name: "bad role", body: `{"role":"robot","text":"x"}`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"speaker":"user"}`, wantCode: http.StatusBadRequest},
		{name: "malformed", body: `{`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			deps := newDeps(t)
			if tt.stop {
				deps.Engine.StopAccepting()
			}
			h := newServer(t, deps).Handler()

			rec := do(t, h, http.MethodPost, "/v1/captions", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantResult == "" {
				return
			}
			got := decode[struct {
				Result string `json:"result"`
			}](t, rec)
			if got.Result != tt.wantResult {
				t.Errorf("result = %q, want %q", got.Result, tt.wantResult)
			}
		})
	}
}

func TestIngest_RateLimited(t *testing.T) {
	t.Parallel()
	srv := newServer(t, newDeps(t), server.WithRateLimit(0.001, 1))
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/v1/captions", `{"text":"one"}`); rec.Code != http.StatusCreated {
		t.Fatalf("first request status = %d, want 201", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/v1/captions", `{"text":"two"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// Reads are never limited.
	if rec := do(t, h, http.MethodGet, "/v1/captions", ""); rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", rec.Code)
	}

	srv.SetRateLimit(0, 0)
	if rec := do(t, h, http.MethodPost, "/v1/captions", `{"text":"three"}`); rec.Code == http.StatusTooManyRequests {
		t.Error("disabling the limit should admit requests")
	}
}

func TestAudioLevel(t *testing.T) {
	t.Parallel()

	t.Run("disabled microphone", func(t *testing.T) {
		t.Parallel()
		h := newServer(t, newDeps(t)).Handler()
		rec := do(t, h, http.MethodGet, "/v1/audio/level", "")
		got := decode[map[string]any](t, rec)
		if got["level"] != 0.0 || got["active"] != false || got["has_permissions"] != false {
			t.Errorf("body = %v, want zero level", got)
		}
		if rec := do(t, h, http.MethodPost, "/v1/audio/permissions", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("permissions status = %d, want 503", rec.Code)
		}
	})

	t.Run("active sampler", func(t *testing.T) {
		t.Parallel()
		deps := newDeps(t)
		deps.Level = fakeLevel{level: 0.42, active: true}
		deps.Permissions = &fakePermissions{granted: true}
		h := newServer(t, deps).Handler()

		got := decode[map[string]any](t, do(t, h, http.MethodGet, "/v1/audio/level", ""))
		if got["level"] != 0.42 || got["active"] != true || got["has_permissions"] != true {
			t.Errorf("body = %v", got)
		}
	})
}

func TestRequestPermissions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "granted", wantCode: http.StatusOK},
		{name: "denied", err: fmt.Errorf("%w: no device access", level.ErrPermissionDenied), wantCode: http.StatusForbidden},
		{name: "device failure", err: errors.New("device busy"), wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			perms := &fakePermissions{err: tt.err}
			deps := newDeps(t)
			deps.Permissions = perms
			h := newServer(t, deps).Handler()

			rec := do(t, h, http.MethodPost, "/v1/audio/permissions", "")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if perms.calls.Load() != 1 {
				t.Errorf("RequestPermissions calls = %d, want 1", perms.calls.Load())
			}
		})
	}
}

func TestSession_ReturnsStableKey(t *testing.T) {
	t.Parallel()
	h := newServer(t, newDeps(t)).Handler()

	type sessionBody struct {
		SessionKey string `json:"session_key"`
	}
	first := decode[sessionBody](t, do(t, h, http.MethodGet, "/v1/session", ""))
	second := decode[sessionBody](t, do(t, h, http.MethodGet, "/v1/session", ""))
	if !strings.HasPrefix(first.SessionKey, "session_") {
		t.Errorf("session key = %q, want session_ prefix", first.SessionKey)
	}
	if first.SessionKey != second.SessionKey {
		t.Errorf("keys differ: %q then %q", first.SessionKey, second.SessionKey)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		querier  *fakeQuerier
		body     string
		wantCode int
	}{
		{
			name:     "answer",
			querier:  &fakeQuerier{resp: &rag.Response{Response: "42", SessionKey: "k"}},
			body:     `{"query":"meaning of life"}`,
			wantCode: http.StatusOK,
		},
		{name: "not configured", body: `{"query":"x"}`, wantCode: http.StatusServiceUnavailable},
		{name: "empty query", querier: &fakeQuerier{}, body: `{"query":"  "}`, wantCode: http.StatusBadRequest},
		{
			name:     "breaker open",
			querier:  &fakeQuerier{err: fmt.Errorf("%w: %w", resilience.ErrAllFailed, resilience.ErrCircuitOpen)},
			body:     `{"query":"x"}`,
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "upstream failure",
			querier:  &fakeQuerier{err: &rag.StatusError{Endpoint: "kb", Code: 500}},
			body:     `{"query":"x"}`,
			wantCode: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			deps := newDeps(t)
			if tt.querier != nil {
				deps.RAG = tt.querier
			}
			h := newServer(t, deps).Handler()

			rec := do(t, h, http.MethodPost, "/v1/query", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantCode == http.StatusOK {
				got := decode[rag.Response](t, rec)
				if got.Response != "42" || tt.querier.got != "meaning of life" {
					t.Errorf("response = %+v, query = %q", got, tt.querier.got)
				}
			} else if decode[errorBody](t, rec).Error == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	deps := newDeps(t)
	deps.Health = health.New(health.Checker{Name: "rag", Check: func(context.Context) error {
		return errors.New("unreachable")
	}, Optional: true})
	deps.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "# HELP captionfeed_up test")
	})
	h := newServer(t, deps).Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("/readyz = %d %s, want degraded 200", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); !strings.Contains(rec.Body.String(), "captionfeed_up") {
		t.Errorf("/metrics body = %q", rec.Body)
	}
}

func TestCaptionStream(t *testing.T) {
	t.Parallel()
	deps := newDeps(t)
	ts := httptest.NewServer(newServer(t, deps).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/captions/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var initial captionsBody
	if err := wsjson.Read(ctx, conn, &initial); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if len(initial.Captions) != 0 || !initial.Accepting {
		t.Errorf("initial = %+v, want empty accepting feed", initial)
	}

	deps.Engine.Ingest(caption.RoleAssistant, "streamed hello")
	for {
		var got captionsBody
		if err := wsjson.Read(ctx, conn, &got); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if len(got.Captions) == 1 && got.Captions[0].Text == "streamed hello" {
			if got.Seq <= initial.Seq {
				t.Errorf("seq = %d, want > %d", got.Seq, initial.Seq)
			}
			break
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestCaptionStream_ClosesWithEngine(t *testing.T) {
	t.Parallel()
	deps := newDeps(t)
	ts := httptest.NewServer(newServer(t, deps).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/captions/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var snap captionsBody
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}

	deps.Engine.Close()
	for {
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusGoingAway {
				t.Errorf("close status = %v, want going away (err %v)", websocket.CloseStatus(err), err)
			}
			return
		}
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	srv := newServer(t, newDeps(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/v1/session"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
