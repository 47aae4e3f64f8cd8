// Package feed connects a call event queue to the caption engine. The
// [Runner] is the single scheduler of the caption feed: it drains call events
// into the engine and owns the periodic retention sweep.
package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/captionfeed/internal/caption"
	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/pkg/call"
)

// Runner drains call events into a [caption.Engine] and sweeps expired
// captions on the engine's configured interval.
//
// Speaking and InCall are safe to read from any goroutine while Run is active.
type Runner struct {
	engine  *caption.Engine
	metrics *observe.Metrics
	now     func() time.Time

	speaking atomic.Bool
	inCall   atomic.Bool
}

// Option configures a [Runner].
type Option func(*Runner)

// WithMetrics records call events on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithNow replaces the time source used for sweeps.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner feeding engine.
func NewRunner(engine *caption.Engine, opts ...Option) *Runner {
	r := &Runner{
		engine: engine,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Speaking reports whether the assistant is currently speaking.
func (r *Runner) Speaking() bool { return r.speaking.Load() }

// InCall reports whether a call is in progress.
func (r *Runner) InCall() bool { return r.inCall.Load() }

// Run drains events until ctx is cancelled or events is closed. It returns
// ctx.Err() on cancellation and nil when the event queue ends.
func (r *Runner) Run(ctx context.Context, events <-chan call.Event) error {
	interval := r.engine.Config().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// The queue only closes once the call source is gone.
				r.endCall(ctx)
				return nil
			}
			r.Handle(ctx, ev)

		case <-ticker.C:
			r.engine.SweepExpired(r.now())
			// Pick up hot-reloaded sweep intervals.
			if cur := r.engine.Config().SweepInterval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// Handle applies a single call event.
func (r *Runner) Handle(ctx context.Context, ev call.Event) {
	r.metrics.RecordCallEvent(ctx, string(ev.Type))

	switch ev.Type {
	case call.EventCallStart:
		r.engine.Reset()
		r.speaking.Store(false)
		if !r.inCall.Swap(true) && r.metrics != nil {
			r.metrics.ActiveCalls.Add(ctx, 1)
		}
		slog.Info("call started")

	case call.EventCallEnd:
		r.endCall(ctx)

	case call.EventSpeechStart:
		r.speaking.Store(true)

	case call.EventSpeechEnd:
		r.speaking.Store(false)

	case call.EventMessage:
		if !ev.IsTranscript() {
			slog.Debug("ignoring call message", "kind", ev.Kind)
			return
		}
		r.engine.Ingest(caption.Role(ev.Role), ev.Text)

	case call.EventError:
		slog.Warn("call error", "err", ev.Err)

	default:
		slog.Debug("ignoring unknown call event", "type", ev.Type)
	}
}

// endCall stops caption intake and clears the call state. It logs and
// updates the active-call gauge only for a call that was in progress.
func (r *Runner) endCall(ctx context.Context) {
	r.engine.StopAccepting()
	r.speaking.Store(false)
	if !r.inCall.Swap(false) {
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveCalls.Add(ctx, -1)
	}
	slog.Info("call ended")
}
