// Package demo provides a [call.Source] that simulates an assistant call by
// speaking canned lines on a timer. It drives the caption feed when no real
// call transport is configured.
package demo

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/captionfeed/pkg/call"
)

// Compile-time interface assertions.
var (
	_ call.Source = (*Source)(nil)
	_ call.Stream = (*stream)(nil)
)

// DefaultLines are the canned assistant lines.
var DefaultLines = []string{
	"Hello, how can I help you today?",
	"I'm processing your request...",
	"Here's what I found in the knowledge base.",
	"Would you like me to explain this further?",
	"Let me search for more information.",
}

const (
	defaultInitialDelay = 2 * time.Second
	defaultInterval     = 5 * time.Second
)

// Config configures a demo [Source].
type Config struct {
	// Lines to speak, picked at random. Defaults to [DefaultLines].
	Lines []string

	// InitialDelay before the first line. Defaults to 2s.
	InitialDelay time.Duration

	// Interval between lines. Defaults to 5s.
	Interval time.Duration

	// Seed makes the line order reproducible. Zero picks a random seed.
	Seed uint64
}

// Source opens demo streams.
type Source struct {
	cfg Config
}

// New creates a demo Source.
func New(cfg Config) *Source {
	if len(cfg.Lines) == 0 {
		cfg.Lines = DefaultLines
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Source{cfg: cfg}
}

// Connect implements [call.Source]. The stream starts with a call-start event
// and then emits speech-start, a final assistant transcript and speech-end for
// every line until closed.
func (s *Source) Connect(_ context.Context) (call.Stream, error) {
	seed := s.cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	st := &stream{
		cfg:    s.cfg,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
		events: make(chan call.Event, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go st.run()
	return st, nil
}

type stream struct {
	cfg    Config
	rng    *rand.Rand
	events chan call.Event

	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (s *stream) Events() <-chan call.Event { return s.events }

// Err implements [call.Stream]. A demo stream only ends when closed locally.
func (s *stream) Err() error {
	select {
	case <-s.exited:
		return call.ErrStreamClosed
	default:
		return nil
	}
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

func (s *stream) run() {
	defer close(s.exited)
	defer close(s.events)

	if !s.send(call.Event{Type: call.EventCallStart}) {
		return
	}

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
		}

		line := s.cfg.Lines[s.rng.IntN(len(s.cfg.Lines))]
		ok := s.send(call.Event{Type: call.EventSpeechStart}) &&
			s.send(call.Event{
				Type:           call.EventMessage,
				Kind:           call.KindTranscript,
				Role:           call.RoleAssistant,
				Text:           line,
				TranscriptType: call.TranscriptFinal,
			}) &&
			s.send(call.Event{Type: call.EventSpeechEnd})
		if !ok {
			return
		}
		timer.Reset(s.cfg.Interval)
	}
}

func (s *stream) send(ev call.Event) bool {
	ev.At = time.Now()
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
