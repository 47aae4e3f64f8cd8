// Package wsbridge provides a [call.Source] that receives call events as JSON
// text frames over a websocket connection, as emitted by hosted voice-call
// SDK bridges.
//
// Each frame is one JSON object with a "type" field:
//
//	{"type":"call-start"}
//	{"type":"speech-start"}
//	{"type":"transcript","role":"user","transcriptType":"partial","transcript":"hello"}
//	{"type":"speech-end"}
//	{"type":"error","error":"upstream failure"}
//	{"type":"call-end"}
//
// Frames may also be wrapped as {"type":"message","message":{...}}. Any other
// type is delivered as an [call.EventMessage] with Kind set to the type.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/captionfeed/pkg/call"
)

// Compile-time interface assertions.
var (
	_ call.Source = (*Source)(nil)
	_ call.Stream = (*stream)(nil)
)

const (
	defaultBuffer    = 64
	defaultReadLimit = 1 << 20
)

// Option is a functional option for configuring the Source.
type Option func(*Source)

// WithAPIKey sends the key as a bearer token on every dial.
func WithAPIKey(key string) Option {
	return func(s *Source) {
		s.apiKey = key
	}
}

// WithBuffer sets the capacity of each stream's event channel. Events that
// arrive while the channel is full are dropped and logged.
func WithBuffer(n int) Option {
	return func(s *Source) {
		s.buffer = n
	}
}

// WithReadLimit sets the maximum accepted frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Source) {
		s.readLimit = n
	}
}

// Source dials a websocket endpoint for every [Source.Connect].
type Source struct {
	url       string
	apiKey    string
	buffer    int
	readLimit int64
}

// New creates a Source for the ws:// or wss:// URL u.
func New(u string, opts ...Option) (*Source, error) {
	if u == "" {
		return nil, errors.New("wsbridge: url must not be empty")
	}
	s := &Source{
		url:       u,
		buffer:    defaultBuffer,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Connect implements [call.Source].
func (s *Source) Connect(ctx context.Context) (call.Stream, error) {
	headers := http.Header{}
	if s.apiKey != "" {
		headers.Set("Authorization", "Bearer "+s.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial: %w", err)
	}
	conn.SetReadLimit(s.readLimit)

	// The read loop outlives the dial context.
	readCtx, cancel := context.WithCancel(context.Background())
	st := &stream{
		conn:   conn,
		events: make(chan call.Event, s.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go st.readLoop(readCtx)
	return st, nil
}

// ---- stream ----

// stream is a live bridge connection. It implements call.Stream.
type stream struct {
	conn   *websocket.Conn
	events chan call.Event
	cancel context.CancelFunc

	done chan struct{} // closed when readLoop exits
	once sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

// Events implements [call.Stream].
func (s *stream) Events() <-chan call.Event { return s.events }

// Err implements [call.Stream].
func (s *stream) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [call.Stream].
func (s *stream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.cancel()
		<-s.done
	})
	return nil
}

// readLoop receives JSON frames and dispatches them as events until the
// connection ends.
func (s *stream) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.finish(err)
			return
		}

		ev, ok := parseFrame(msg, time.Now())
		if !ok {
			slog.Debug("wsbridge: ignoring malformed frame", "size", len(msg))
			continue
		}

		select {
		case s.events <- ev:
		default:
			slog.Warn("wsbridge: event buffer full, dropping event", "type", ev.Type)
		}
	}
}

// finish records why the read loop ended.
func (s *stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		s.err = call.ErrStreamClosed
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		s.err = nil
	default:
		s.err = fmt.Errorf("wsbridge: read: %w", err)
	}
}

// wireFrame is the JSON shape of one bridge frame.
type wireFrame struct {
	Type           string          `json:"type"`
	Role           string          `json:"role"`
	Transcript     string          `json:"transcript"`
	TranscriptType string          `json:"transcriptType"`
	Error          json.RawMessage `json:"error"`
	Message        *wireFrame      `json:"message"`
}

// parseFrame converts a raw frame into an event. It returns false for frames
// that are not JSON objects or carry no type.
func parseFrame(data []byte, at time.Time) (call.Event, bool) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return call.Event{}, false
	}
	if f.Type == "message" && f.Message != nil {
		f = *f.Message
	}
	if f.Type == "" {
		return call.Event{}, false
	}

	ev := call.Event{At: at}
	switch f.Type {
	case string(call.EventCallStart), string(call.EventCallEnd),
		string(call.EventSpeechStart), string(call.EventSpeechEnd):
		ev.Type = call.EventType(f.Type)
	case string(call.EventError):
		ev.Type = call.EventError
		ev.Err = errors.New(errorText(f.Error))
	default:
		ev.Type = call.EventMessage
		ev.Kind = f.Type
		if f.Type == call.KindTranscript {
			ev.Role = call.Role(f.Role)
			ev.Text = f.Transcript
			ev.TranscriptType = call.TranscriptType(f.TranscriptType)
		}
	}
	return ev, true
}

// errorText renders the "error" field, which bridges send either as a string
// or as an object.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "call error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
