package feed_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/captionfeed/internal/caption"
	"github.com/MrWong99/captionfeed/internal/caption/mock"
	"github.com/MrWong99/captionfeed/internal/feed"
	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/pkg/call"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func transcript(role call.Role, text string) call.Event {
	return call.Event{Type: call.EventMessage, Kind: call.KindTranscript, Role: role, Text: text}
}

func TestRunner_Handle(t *testing.T) {
	t.Parallel()
	clk := mock.NewClock(time.Unix(1000, 0))
	eng := caption.New(caption.DefaultConfig(), caption.WithClock(clk))
	t.Cleanup(eng.Close)
	r := feed.NewRunner(eng)
	ctx := context.Background()

	r.Handle(ctx, call.Event{Type: call.EventCallStart})
	if !r.InCall() {
		t.Error("InCall = false after call-start")
	}

	r.Handle(ctx, call.Event{Type: call.EventSpeechStart})
	if !r.Speaking() {
		t.Error("Speaking = false after speech-start")
	}
	r.Handle(ctx, transcript(call.RoleAssistant, "Hello"))
	r.Handle(ctx, transcript(call.RoleAssistant, "Hello, how can I help?"))
	r.Handle(ctx, call.Event{Type: call.EventMessage, Kind: "function-call"})
	r.Handle(ctx, call.Event{Type: call.EventError, Err: errors.New("sdk hiccup")})
	r.Handle(ctx, call.Event{Type: call.EventSpeechEnd})
	if r.Speaking() {
		t.Error("Speaking = true after speech-end")
	}

	vis := eng.Visible(3)
	if len(vis) != 1 || vis[0].Text != "Hello, how can I help?" {
		t.Fatalf("visible = %+v, want single merged caption", vis)
	}

	r.Handle(ctx, call.Event{Type: call.EventCallEnd})
	if r.InCall() {
		t.Error("InCall = true after call-end")
	}
	r.Handle(ctx, transcript(call.RoleUser, "too late"))
	if got := len(eng.Entries()); got != 1 {
		t.Errorf("stored = %d after call-end, want 1", got)
	}

	r.Handle(ctx, call.Event{Type: call.EventCallStart})
	if got := len(eng.Entries()); got != 0 {
		t.Errorf("stored = %d after new call-start, want 0", got)
	}
}

func TestRunner_RunDrainsAndSweeps(t *testing.T) {
	t.Parallel()

	cfg := caption.DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	eng := caption.New(cfg)
	t.Cleanup(eng.Close)

	// Every sweep happens "an hour later", so any stored caption expires.
	var sweeps atomic.Int32
	r := feed.NewRunner(eng, feed.WithNow(func() time.Time {
		sweeps.Add(1)
		return time.Now().Add(time.Hour)
	}))

	events := make(chan call.Event, 4)
	done := make(chan error, 1)
	go func() { done <- r.Run(t.Context(), events) }()

	events <- call.Event{Type: call.EventCallStart}
	events <- transcript(call.RoleUser, "hello")

	deadline := time.Now().Add(2 * time.Second)
	for sweeps.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sweeps.Load() < 2 {
		t.Fatal("runner did not sweep")
	}
	if got := len(eng.Entries()); got != 0 {
		t.Errorf("stored = %d after sweeps, want 0", got)
	}

	close(events)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after events closed, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after events closed")
	}
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	eng := caption.New(caption.DefaultConfig())
	t.Cleanup(eng.Close)
	r := feed.NewRunner(eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, make(chan call.Event)) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunner_ClosedQueueEndsCall(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	eng := caption.New(caption.DefaultConfig())
	t.Cleanup(eng.Close)
	r := feed.NewRunner(eng, feed.WithMetrics(m))

	events := make(chan call.Event, 2)
	events <- call.Event{Type: call.EventCallStart}
	events <- call.Event{Type: call.EventSpeechStart}
	close(events)
	if err := r.Run(t.Context(), events); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	if r.InCall() {
		t.Error("InCall = true after the event queue closed")
	}
	if r.Speaking() {
		t.Error("Speaking = true after the event queue closed")
	}
	if eng.Accepting() {
		t.Error("engine still accepting after the event queue closed")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	active := int64(-1)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name == "captionfeed.call.active" {
				active = met.Data.(metricdata.Sum[int64]).DataPoints[0].Value
			}
		}
	}
	if active != 0 {
		t.Errorf("active calls = %d, want 0", active)
	}
}
