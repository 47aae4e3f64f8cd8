package rag_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/captionfeed/internal/rag"
	"github.com/MrWong99/captionfeed/internal/resilience"
)

type staticKey string

func (k staticKey) GetOrCreateSessionKey(context.Context) (string, error) { return string(k), nil }

type failingKey struct{}

func (failingKey) GetOrCreateSessionKey(context.Context) (string, error) {
	return "", errors.New("store unavailable")
}

func newClient(t *testing.T, cfg rag.Config) *rag.Client {
	t.Helper()
	c, err := rag.New(cfg, staticKey("session_1_abcdefghi"), rag.WithHTTPClient(http.DefaultClient))
	if err != nil {
		t.Fatalf("rag.New: %v", err)
	}
	return c
}

func TestClient_Query(t *testing.T) {
	t.Parallel()
	var got rag.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rag/query" {
			t.Errorf("request = %s %s, want POST /rag/query", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(rag.Response{
			Response:   "Kyiv is the capital.",
			Sources:    []string{"atlas"},
			SessionKey: got.SessionKey,
		})
	}))
	defer srv.Close()

	c := newClient(t, rag.Config{BaseURL: srv.URL + "/rag"})
	resp, err := c.Query(context.Background(), "  capital of Ukraine? ")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got.Query != "capital of Ukraine?" || got.SessionKey != "session_1_abcdefghi" {
		t.Errorf("sent %+v", got)
	}
	if resp.Response != "Kyiv is the capital." || len(resp.Sources) != 1 || resp.SessionKey != "session_1_abcdefghi" {
		t.Errorf("response = %+v", resp)
	}
}

func TestClient_EmptyQuery(t *testing.T) {
	t.Parallel()
	c := newClient(t, rag.Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.Query(context.Background(), "   "); !errors.Is(err, rag.ErrEmptyQuery) {
		t.Errorf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestClient_SessionKeyFailure(t *testing.T) {
	t.Parallel()
	c, err := rag.New(rag.Config{BaseURL: "http://127.0.0.1:1"}, failingKey{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Query(context.Background(), "hi"); err == nil {
		t.Error("Query succeeded without a session key")
	}
}

func TestClient_FailsOverToFallback(t *testing.T) {
	t.Parallel()
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":"from fallback","sessionKey":"k"}`))
	}))
	defer fallback.Close()

	c := newClient(t, rag.Config{
		BaseURL:      primary.URL,
		FallbackURLs: []string{fallback.URL},
		Breaker:      resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for range 3 {
		resp, err := c.Query(context.Background(), "hello")
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if resp.Response != "from fallback" {
			t.Errorf("response = %q", resp.Response)
		}
	}
	if n := primaryCalls.Load(); n != 2 {
		t.Errorf("primary called %d times, want 2 before its breaker opened", n)
	}
	var open int
	for _, s := range c.Endpoints() {
		if s == resilience.StateOpen {
			open++
		}
	}
	if open != 1 {
		t.Errorf("open endpoints = %d, want 1 (%v)", open, c.Endpoints())
	}
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newClient(t, rag.Config{
		BaseURL: srv.URL,
		Breaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	for range 3 {
		_, err := c.Query(context.Background(), "x")
		var se *rag.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
			t.Fatalf("err = %v, want StatusError 400", err)
		}
		if se.Retryable() {
			t.Error("400 reported as retryable")
		}
	}
	for host, s := range c.Endpoints() {
		if s != resilience.StateClosed {
			t.Errorf("endpoint %s state = %v, want closed", host, s)
		}
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := newClient(t, rag.Config{BaseURL: srv.URL})
	if _, err := c.Query(context.Background(), "x"); !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestClient_Session(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/session/session_1_abcdefghi" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"valid":true}`))
	}))
	defer srv.Close()

	c := newClient(t, rag.Config{BaseURL: srv.URL})
	raw, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if string(raw) != `{"valid":true}` {
		t.Errorf("Session = %s", raw)
	}
}

func TestNew_RejectsBadURLs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  rag.Config
	}{
		{"empty", rag.Config{}},
		{"relative", rag.Config{BaseURL: "/rag"}},
		{"bad scheme", rag.Config{BaseURL: "ftp://example.com"}},
		{"bad fallback", rag.Config{BaseURL: "https://a.example", FallbackURLs: []string{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := rag.New(tt.cfg, staticKey("k")); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}
