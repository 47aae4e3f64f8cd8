// Package mock provides in-memory mock implementations of the [call.Source]
// and [call.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(8)
//	src := &mock.Source{ConnectResults: []call.Stream{stream}}
//	s, err := src.Connect(ctx)
//	stream.Send(call.Event{Type: call.EventCallStart})
//	stream.End(errors.New("remote hung up"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/captionfeed/pkg/call"
)

// Compile-time interface assertions.
var (
	_ call.Source = (*Source)(nil)
	_ call.Stream = (*Stream)(nil)
)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [call.Stream]. Create it with
// [NewStream]; push events with [Stream.Send] and end it remotely with
// [Stream.End].
type Stream struct {
	events chan call.Event

	mu     sync.Mutex
	err    error
	ended  bool
	sendMu sync.RWMutex

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open Stream whose events channel has the given
// capacity.
func NewStream(buffer int) *Stream {
	return &Stream{events: make(chan call.Event, buffer)}
}

// Events implements [call.Stream].
func (s *Stream) Events() <-chan call.Event { return s.events }

// Err implements [call.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers ev on the events channel. It reports false if the stream has
// already ended. Send blocks while the buffer is full.
func (s *Stream) Send(ev call.Event) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return false
	}
	s.events <- ev
	return true
}

// End simulates the remote side ending the stream with err (which may be nil).
func (s *Stream) End(err error) {
	s.finish(err)
}

// Close implements [call.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	closeErr := s.CloseError
	s.mu.Unlock()
	s.finish(call.ErrStreamClosed)
	return closeErr
}

// Closed reports whether Close has been called at least once.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	s.mu.Unlock()

	// Wait for in-flight sends before closing the channel.
	s.sendMu.Lock()
	close(s.events)
	s.sendMu.Unlock()
}

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [call.Source]. Each Connect call pops
// the next entry from ConnectResults and ConnectErrors; when both are
// exhausted a fresh open [Stream] is returned.
type Source struct {
	mu sync.Mutex

	// ConnectResults are returned by successive Connect calls.
	ConnectResults []call.Stream

	// ConnectErrors are returned by successive Connect calls before any
	// ConnectResults are handed out. A nil entry means "fall through to the
	// next ConnectResults entry".
	ConnectErrors []error

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int
}

// Connect implements [call.Source].
func (s *Source) Connect(_ context.Context) (call.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountConnect++

	if len(s.ConnectErrors) > 0 {
		err := s.ConnectErrors[0]
		s.ConnectErrors = s.ConnectErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.ConnectResults) > 0 {
		st := s.ConnectResults[0]
		s.ConnectResults = s.ConnectResults[1:]
		return st, nil
	}
	return NewStream(16), nil
}

// Calls returns the number of Connect calls so far.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountConnect
}
