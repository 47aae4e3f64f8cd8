// Package call defines the event model of a voice-call session and the
// [Source] abstraction that delivers those events.
//
// A call transport (a hosted voice-call SDK bridge, a local demo generator,
// a test double) is opened through [Source.Connect] and yields a [Stream]
// whose [Stream.Events] channel is the inbound message queue consumers
// drain. Event arrival is decoupled from how consumers react to it.
//
// Implementations:
//   - [github.com/MrWong99/captionfeed/pkg/call/wsbridge]: JSON events over a
//     websocket connection.
//   - [github.com/MrWong99/captionfeed/pkg/call/demo]: timed canned
//     assistant lines.
//   - [github.com/MrWong99/captionfeed/pkg/call/mock]: scripted test double.
package call

import (
	"context"
	"errors"
	"time"
)

// ErrStreamClosed is reported by [Stream.Err] after the stream was closed
// locally via [Stream.Close]. Any other error (or nil) after the events
// channel closes means the remote side ended the stream.
var ErrStreamClosed = errors.New("call: stream closed")

// EventType names the kind of call event.
type EventType string

const (
	// EventCallStart marks the beginning of a call.
	EventCallStart EventType = "call-start"

	// EventCallEnd marks the end of a call.
	EventCallEnd EventType = "call-end"

	// EventSpeechStart marks the assistant starting to speak.
	EventSpeechStart EventType = "speech-start"

	// EventSpeechEnd marks the assistant finishing speaking.
	EventSpeechEnd EventType = "speech-end"

	// EventMessage carries a message from the call. Transcript fragments are
	// messages of kind [KindTranscript].
	EventMessage EventType = "message"

	// EventError reports a transport or SDK error.
	EventError EventType = "error"
)

// KindTranscript is the message kind of transcript fragments.
const KindTranscript = "transcript"

// Role attributes a transcript fragment to a participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptType distinguishes interim from final transcripts.
type TranscriptType string

const (
	TranscriptPartial TranscriptType = "partial"
	TranscriptFinal   TranscriptType = "final"
)

// Event is one discrete occurrence in a call session.
type Event struct {
	// Type is the event kind.
	Type EventType

	// Kind is the message kind for [EventMessage] events, e.g. [KindTranscript].
	Kind string

	// Role is the speaker of a transcript message.
	Role Role

	// Text is the transcript text of a transcript message.
	Text string

	// TranscriptType tells partial and final transcripts apart. It may be
	// empty when the transport does not report it.
	TranscriptType TranscriptType

	// Err is set for [EventError] events.
	Err error

	// At is when the event was received.
	At time.Time
}

// IsTranscript reports whether e is a transcript fragment.
func (e Event) IsTranscript() bool {
	return e.Type == EventMessage && e.Kind == KindTranscript
}

// Source opens call sessions.
type Source interface {
	// Connect opens a new event stream. The returned stream stays open until
	// it is closed or the remote side ends it; ctx only bounds the connection
	// attempt itself.
	Connect(ctx context.Context) (Stream, error)
}

// Stream is an open call session.
type Stream interface {
	// Events returns the inbound event channel. It is closed when the stream
	// ends for any reason.
	Events() <-chan Event

	// Err returns why the events channel was closed: [ErrStreamClosed] after a
	// local Close, the transport error or nil otherwise. It returns nil while
	// the stream is open.
	Err() error

	// Close ends the stream and releases its resources. Safe to call more than
	// once.
	Close() error
}
