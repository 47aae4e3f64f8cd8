// Package caption turns a stream of transcript fragments into a short,
// self-expiring list of captions.
//
// The [Engine] decides for every fragment whether it replaces the most recent
// caption (an updated transcript of the same utterance), is appended as a
// briefly open "streaming" caption, or starts a new caption. The buffer is
// bounded both by count ([Config.MaxDialogs]) and by age ([Config.Retention]).
//
// Mutations are serialised by a single writer lock. Every mutation publishes
// an immutable [Snapshot], so readers ([Engine.Visible], subscribers) never
// block on writers and never observe a partially applied update.
package caption

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/MrWong99/captionfeed/internal/observe"
)

// Role attributes a fragment to a call participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Result reports what [Engine.Ingest] did with a fragment.
type Result int

const (
	// ResultIgnored means the fragment was empty or whitespace only.
	ResultIgnored Result = iota

	// ResultRejected means the engine is not accepting fragments (call ended).
	ResultRejected

	// ResultCreated means the fragment started a new caption.
	ResultCreated

	// ResultStreamed means the fragment was appended as a short-lived open
	// caption after the current one.
	ResultStreamed

	// ResultReplaced means the fragment replaced the text of the most recent
	// caption as an updated transcript of the same utterance.
	ResultReplaced
)

// String returns the lower-case name of r.
func (r Result) String() string {
	switch r {
	case ResultIgnored:
		return "ignored"
	case ResultRejected:
		return "rejected"
	case ResultCreated:
		return "created"
	case ResultStreamed:
		return "streamed"
	case ResultReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Entry is one displayable caption.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Open      bool      `json:"open"`
}

// Snapshot is an immutable view of the buffer at one point in time.
type Snapshot struct {
	// Seq increases by one with every published change.
	Seq uint64 `json:"seq"`

	// Entries holds the captions in creation order.
	Entries []Entry `json:"entries"`

	// Accepting is false between call-end and the next reset.
	Accepting bool `json:"accepting"`
}

// Visible returns the n most recent entries of s, newest first. n greater
// than the stored count returns every entry; n <= 0 returns none.
func (s *Snapshot) Visible(n int) []Entry {
	if n <= 0 {
		return []Entry{}
	}
	n = min(n, len(s.Entries))
	out := make([]Entry, 0, n)
	for i := len(s.Entries) - 1; i >= len(s.Entries)-n; i-- {
		out = append(out, s.Entries[i])
	}
	return out
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is the caption buffer. Create one with [New]. All methods are safe
// for concurrent use.
type Engine struct {
	clock   Clock
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	cfg       Config
	entries   []Entry
	accepting bool
	seq       uint64
	closed    bool

	// streamID is the caption whose close timer is pending, if any.
	// streamGen identifies the latest arming so a superseded timer callback
	// that already fired cannot close a re-armed caption.
	streamID    string
	streamGen   uint64
	streamTimer Timer

	subs map[chan Snapshot]struct{}

	snap atomic.Pointer[Snapshot]
}

// New creates an empty engine that accepts fragments. Zero-valued fields of
// cfg take their defaults.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		clock:     SystemClock{},
		log:       slog.Default(),
		cfg:       cfg.withDefaults(),
		accepting: true,
		subs:      make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.publish()
	return e
}

// Config returns the active limits.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Ingest applies one transcript fragment attributed to role.
//
// A new caption is created when the buffer is empty, the most recent caption
// is older than the merge timeout, or appending the fragment would exceed the
// character cap. Otherwise the fragment replaces the most recent caption when
// that caption has the same role and the fragment (lower-cased) starts with
// its text (lower-cased). In every other case the fragment is appended as a
// streaming caption that closes after [Config.StreamDelay]. The buffer is
// then trimmed to [Config.MaxDialogs].
//
// A fragment longer than the character cap is split at word boundaries into
// consecutive captions; the returned Result describes the first piece.
func (e *Engine) Ingest(role Role, fragment string) Result {
	ctx := context.Background()
	if strings.TrimSpace(fragment) == "" {
		e.metrics.RecordFragment(ctx, ResultIgnored.String())
		return ResultIgnored
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.accepting || e.closed {
		e.metrics.RecordFragment(ctx, ResultRejected.String())
		return ResultRejected
	}

	now := e.clock.Now()
	chunks := splitAtWords(fragment, e.cfg.CharacterCap)

	var results []Result
	if last := e.last(); last != nil && !e.startsNew(last, fragment, now) && isContinuation(last, role, fragment) {
		e.replaceLast(chunks[0])
		results = append(results, ResultReplaced)
		chunks = chunks[1:]
	}
	for _, chunk := range chunks {
		results = append(results, e.insert(role, chunk, now))
	}
	e.trim()
	e.publish()

	for _, r := range results {
		e.metrics.RecordFragment(ctx, r.String())
	}
	e.log.Debug("caption: fragment ingested",
		slog.String("role", string(role)),
		slog.String("result", results[0].String()),
		slog.Int("pieces", len(results)),
		slog.Int("stored", len(e.entries)),
	)
	return results[0]
}

// SweepExpired removes every caption older than the retention window at now
// and returns how many were removed. It is idempotent and safe on an empty
// buffer.
func (e *Engine) SweepExpired(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.entries[:0:0]
	for _, ent := range e.entries {
		if now.Sub(ent.CreatedAt) > e.cfg.Retention {
			if ent.ID == e.streamID {
				e.stopStream()
			}
			continue
		}
		kept = append(kept, ent)
	}
	removed := len(e.entries) - len(kept)
	if removed == 0 {
		return 0
	}
	e.entries = kept
	e.publish()

	e.metrics.RecordCaptionsRemoved(context.Background(), "expired", removed)
	e.log.Debug("caption: swept expired captions", slog.Int("removed", removed))
	return removed
}

// Visible returns the n most recent captions, newest first. It never blocks
// on writers.
func (e *Engine) Visible(n int) []Entry {
	return e.snap.Load().Visible(n)
}

// Entries returns every stored caption in creation order.
func (e *Engine) Entries() []Entry {
	return slices.Clone(e.snap.Load().Entries)
}

// Snapshot returns the latest published snapshot. Callers must not modify it.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Accepting reports whether Ingest currently accepts fragments.
func (e *Engine) Accepting() bool {
	return e.snap.Load().Accepting
}

// Reset clears the buffer and resumes accepting fragments. It is applied on
// call-start.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := len(e.entries)
	e.stopStream()
	e.entries = nil
	e.accepting = true
	e.publish()

	e.metrics.RecordCaptionsRemoved(context.Background(), "reset", removed)
}

// StopAccepting makes Ingest reject fragments until the next [Engine.Reset].
// Stored captions stay until they expire. It is applied on call-end.
func (e *Engine) StopAccepting() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.accepting {
		return
	}
	e.accepting = false
	e.publish()
}

// Reconfigure swaps the limits and trims the buffer to the new MaxDialogs.
// Existing captions keep their text even if it exceeds a smaller cap.
func (e *Engine) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg = cfg.withDefaults()
	e.trim()
	e.publish()
	return nil
}

// Subscribe returns a channel that receives the current snapshot immediately
// and every later one. A slow subscriber only sees the most recent snapshot.
// The returned function unsubscribes and closes the channel; it is safe to
// call more than once.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	ch <- *e.snap.Load()
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.subs[ch]; ok {
				delete(e.subs, ch)
				close(ch)
			}
		})
	}
}

// Close stops the pending stream timer, closes every subscription and makes
// Ingest reject further fragments.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.stopStream()
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
}

// last returns the most recent caption or nil. Must be called with e.mu held.
func (e *Engine) last() *Entry {
	if len(e.entries) == 0 {
		return nil
	}
	return &e.entries[len(e.entries)-1]
}

func (e *Engine) withinMerge(last *Entry, now time.Time) bool {
	return now.Sub(last.CreatedAt) <= e.cfg.MergeTimeout
}

// startsNew reports whether text must open a new caption after last: last
// is older than the merge timeout or appending text would exceed the cap.
// It takes precedence over the continuation rule.
func (e *Engine) startsNew(last *Entry, text string, now time.Time) bool {
	return !e.withinMerge(last, now) ||
		runeLen(last.Text)+runeLen(text) > e.cfg.CharacterCap
}

// isContinuation reports whether fragment is an updated transcript of last.
// Short common prefixes match too ("I" is continued by "I see").
func isContinuation(last *Entry, role Role, fragment string) bool {
	if last.Role != role {
		return false
	}
	return strings.HasPrefix(strings.ToLower(fragment), strings.ToLower(last.Text))
}

// insert appends a caption for text. Must be called with e.mu held.
func (e *Engine) insert(role Role, text string, now time.Time) Result {
	last := e.last()
	newEntry := last == nil || e.startsNew(last, text, now)

	e.closeCurrent()
	ent := Entry{
		ID:        xid.New().String(),
		Role:      role,
		Text:      text,
		CreatedAt: now,
		Open:      true,
	}
	e.entries = append(e.entries, ent)
	e.metrics.RecordCaptionStored(context.Background())

	if newEntry {
		return ResultCreated
	}
	e.armStream(ent.ID)
	return ResultStreamed
}

// replaceLast swaps the text of the most recent caption. A caption that is
// open until superseded stays that way; any other caption reopens and closes
// again after the stream delay. Must be called with e.mu held.
func (e *Engine) replaceLast(text string) {
	last := e.last()
	last.Text = text
	if last.Open && e.streamID != last.ID {
		return
	}
	e.stopStream()
	last.Open = true
	e.armStream(last.ID)
}

// closeCurrent closes the open caption, if any. Only the most recent caption
// can be open. Must be called with e.mu held.
func (e *Engine) closeCurrent() {
	e.stopStream()
	if last := e.last(); last != nil {
		last.Open = false
	}
}

// trim evicts the oldest captions beyond MaxDialogs. Must be called with e.mu
// held.
func (e *Engine) trim() {
	over := len(e.entries) - e.cfg.MaxDialogs
	if over <= 0 {
		return
	}
	for _, ent := range e.entries[:over] {
		if ent.ID == e.streamID {
			e.stopStream()
		}
	}
	// Copy so evicted entries do not pin the old backing array.
	e.entries = slices.Clone(e.entries[over:])
	e.metrics.RecordCaptionsRemoved(context.Background(), "evicted", over)
}

// armStream schedules the close of the streaming caption id. Must be called
// with e.mu held.
func (e *Engine) armStream(id string) {
	e.streamGen++
	gen := e.streamGen
	e.streamID = id
	e.streamTimer = e.clock.AfterFunc(e.cfg.StreamDelay, func() {
		e.closeStream(id, gen)
	})
}

// stopStream cancels the pending stream close. Must be called with e.mu held.
func (e *Engine) stopStream() {
	if e.streamTimer != nil {
		e.streamTimer.Stop()
	}
	e.streamTimer = nil
	e.streamID = ""
}

// closeStream is the deferred close of a streaming caption. It is a no-op if
// the caption was superseded, re-armed, evicted or purged in the meantime.
func (e *Engine) closeStream(id string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.streamID != id || e.streamGen != gen {
		return
	}
	e.streamID = ""
	e.streamTimer = nil
	for i := range e.entries {
		if e.entries[i].ID == id {
			e.entries[i].Open = false
			e.publish()
			return
		}
	}
}

// publish stores a new immutable snapshot and fans it out to subscribers.
// Must be called with e.mu held (or before e is shared).
func (e *Engine) publish() {
	e.seq++
	s := &Snapshot{
		Seq:       e.seq,
		Entries:   slices.Clone(e.entries),
		Accepting: e.accepting,
	}
	if s.Entries == nil {
		s.Entries = []Entry{}
	}
	e.snap.Store(s)

	for ch := range e.subs {
		select {
		case ch <- *s:
		default:
			// Replace the stale snapshot the subscriber has not read yet.
			select {
			case <-ch:
			default:
			}
			ch <- *s
		}
	}
}
