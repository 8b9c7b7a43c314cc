package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/browserchannel/internal/clock"
	"github.com/vango-dev/browserchannel/internal/forward"
	"github.com/vango-dev/browserchannel/internal/metrics"
	"github.com/vango-dev/browserchannel/internal/wire"
)

// Hooks are the events a Session emits to the embedding application
// (spec.md §9, "event emission → interface abstraction"). Any hook left
// nil is simply not called.
type Hooks struct {
	OnMap         func(m map[string]string)
	OnMessage     func(msg any)
	OnStateChange func(newState, oldState State)
	OnClose       func(reason string)
}

// Config holds the per-session timer defaults (spec.md §6).
type Config struct {
	KeepAliveInterval      time.Duration
	SessionTimeoutInterval time.Duration
	// MaxBufferedBatches caps the sparse reorder buffer (spec.md §9). Zero
	// means DefaultMaxBufferedBatches.
	MaxBufferedBatches int
}

// DefaultMaxBufferedBatches is the §9-recommended reorder-buffer cap.
const DefaultMaxBufferedBatches = 100

func (c Config) withDefaults() Config {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 20 * time.Second
	}
	if c.SessionTimeoutInterval <= 0 {
		c.SessionTimeoutInterval = 30 * time.Second
	}
	if c.MaxBufferedBatches <= 0 {
		c.MaxBufferedBatches = DefaultMaxBufferedBatches
	}
	return c
}

// outgoingArray is one queued server→client message (spec.md §3).
type outgoingArray struct {
	id          int64
	data        any
	sentCb      func()
	confirmedCb func(error)
	sentFired   bool
	ackFired    bool
}

// boundBackChannel is the writer currently bound to a session, plus the
// framing state needed to drive it (spec.md §3 "backChannel").
type boundBackChannel struct {
	writer  wire.Writer
	mode    wire.Mode
	chunked bool
	// done is closed exactly once, when this back channel is cleared —
	// by replacement, by CI=1 auto-close after a send, or by session
	// close. The dispatcher blocks on it to know when its hanging GET
	// handler may return.
	done chan struct{}
}

// BackChannelQuery carries the query-string fields SetBackChannel needs
// (spec.md §4.4).
type BackChannelQuery struct {
	RID string
	CI  string
}

// Session is the BrowserChannel per-client state machine (spec.md §3–§4.4).
type Session struct {
	ID         string
	AppVersion string
	Address    string
	CreatedAt  time.Time

	mu    sync.Mutex
	state State

	outgoing        []*outgoingArray
	lastArrayID     int64
	lastSentArrayID int64

	nextMapID int
	buffered  map[int]*forward.Batch

	back *boundBackChannel

	heartbeatTimer clock.Timer
	timeoutTimer   clock.Timer
	flushScheduled bool

	hooks Hooks
	cfg   Config
	clk   clock.Clock

	logger  *slog.Logger
	metrics *metrics.Metrics

	onRemove func(id string) // registry hook, set by Registry.Create
}

// New constructs a Session in StateInit. Most callers go through
// Registry.Create instead, which also registers the session and wires
// onRemove.
func New(id, address, appVersion string, hooks Hooks, cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Session {
	if clk == nil {
		clk = clock.Real
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ID:              id,
		AppVersion:      appVersion,
		Address:         address,
		CreatedAt:       clk.Now(),
		state:           StateInit,
		lastArrayID:     -1,
		lastSentArrayID: -1,
		buffered:        make(map[int]*forward.Batch),
		hooks:           hooks,
		cfg:             cfg.withDefaults(),
		clk:             clk,
		logger:          logger.With("session_id", id),
		metrics:         m,
	}
	s.refreshSessionTimeoutLocked()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transitionLocked moves to newState and fires OnStateChange. Caller must
// hold s.mu.
func (s *Session) transitionLocked(newState State) {
	if s.state == newState {
		return
	}
	old := s.state
	s.state = newState
	if s.hooks.OnStateChange != nil {
		s.hooks.OnStateChange(newState, old)
	}
}

// MarkOK transitions init → ok, idempotently. The dispatcher calls this
// once the first forward-channel POST has been processed and the initial
// back channel flushed (spec.md §3, §4.5).
func (s *Session) MarkOK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInit {
		s.transitionLocked(StateOK)
	}
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "session: closed" }

// ErrClosed is returned by operations attempted on a closed session.
var ErrClosed error = errClosed

// QueueArray appends data to the outgoing queue, assigning it the next
// array id. It is rejected once the session is closed (spec.md §4.4).
func (s *Session) QueueArray(data any, sentCb func(), confirmedCb func(error)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return 0, ErrClosed
	}
	s.lastArrayID++
	s.outgoing = append(s.outgoing, &outgoingArray{
		id:          s.lastArrayID,
		data:        data,
		sentCb:      sentCb,
		confirmedCb: confirmedCb,
	})
	if s.metrics != nil {
		s.metrics.ArraysQueued.Inc()
	}
	return s.lastArrayID, nil
}

// Flush schedules delivery on the next tick, so synchronous callers can
// queue several arrays before anything is written to the wire (spec.md
// §4.4). Safe to call any number of times; redundant calls before the
// scheduled flush runs are coalesced into one. The tick is driven by the
// injected clock.Clock (spec.md §9 "Timer injection"), the same as every
// other timer on Session, so tests can advance a Virtual clock instead of
// sleeping real wall-clock time.
func (s *Session) Flush() {
	s.mu.Lock()
	if s.state == StateClosed || s.flushScheduled {
		s.mu.Unlock()
		return
	}
	s.flushScheduled = true
	s.mu.Unlock()

	s.clk.AfterFunc(0, s.runFlush)
}

func (s *Session) runFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushScheduled = false
	if s.state == StateClosed || s.back == nil {
		return
	}

	sentAny := s.sendToLocked(s.back)

	if s.back.chunked || !sentAny {
		return
	}
	// CI=1: the client's transport can't hold the response open past one
	// payload, so end it now that something was sent.
	s.clearBackChannelLocked()
}

// sendToLocked writes every outgoing array not yet sent to back's writer
// and reports whether anything was written. Caller must hold s.mu.
func (s *Session) sendToLocked(back *boundBackChannel) bool {
	n := s.lastArrayID - s.lastSentArrayID
	if n <= 0 {
		return false
	}

	start := int64(len(s.outgoing)) - n
	if start < 0 {
		start = 0
	}
	pending := s.outgoing[start:]

	payload, err := encodeArrays(pending)
	if err != nil {
		s.logger.Error("encode outgoing arrays failed", "error", err)
		return false
	}

	if err := back.writer.Write(payload); err != nil {
		s.logger.Warn("back channel write failed", "error", err)
		return false
	}

	s.lastSentArrayID = s.lastArrayID
	if s.metrics != nil {
		s.metrics.ArraysSent.Add(float64(len(pending)))
	}

	for _, a := range pending {
		if a.sentCb != nil && !a.sentFired {
			a.sentFired = true
			a.sentCb()
		}
	}
	return true
}

// AcknowledgedArrays pops every queued array with id <= aid, firing its
// confirmed callback with no error exactly once (spec.md §4.4, testable
// property 2).
func (s *Session) AcknowledgedArrays(aid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acknowledgedArraysLocked(aid)
}

func (s *Session) acknowledgedArraysLocked(aid int64) {
	i := 0
	for i < len(s.outgoing) && s.outgoing[i].id <= aid {
		a := s.outgoing[i]
		if a.confirmedCb != nil && !a.ackFired {
			a.ackFired = true
			a.confirmedCb(nil)
		}
		if s.metrics != nil {
			s.metrics.ArraysAcked.Inc()
		}
		i++
	}
	s.outgoing = s.outgoing[i:]
}

// Stop queues a ["stop"] array; the application is expected to Close the
// session once the client confirms receipt (spec.md §4.4).
func (s *Session) Stop(sentCb func()) {
	s.QueueArray([]any{"stop"}, sentCb, nil)
	s.Flush()
}

// Close transitions to StateClosed exactly once, clears the back channel,
// cancels timers, fails every outstanding confirmed callback, and removes
// the session from its registry (spec.md §4.4).
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateClosed)

	s.clearBackChannelLocked()
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}

	failReason := reason
	if failReason == "" {
		failReason = "Client closed"
	}
	err := &closeReasonError{reason: failReason}
	for _, a := range s.outgoing {
		if a.confirmedCb != nil && !a.ackFired {
			a.ackFired = true
			a.confirmedCb(err)
		}
	}
	s.outgoing = nil

	onRemove := s.onRemove
	m := s.metrics
	s.mu.Unlock()

	if m != nil {
		m.SessionsClosed.WithLabelValues(failReason).Inc()
	}
	if s.hooks.OnClose != nil {
		s.hooks.OnClose(failReason)
	}
	if onRemove != nil {
		onRemove(s.ID)
	}
}

// closeReasonError carries the reason supplied to Close into outstanding
// confirmed callbacks (spec.md §4.4, §7).
type closeReasonError struct{ reason string }

func (e *closeReasonError) Error() string { return e.reason }

// LastSentArrayID and OutstandingBytes support the §4.5 POST response
// shape ([backChannelPresent, lastSentArrayId, outstandingBytes]).
func (s *Session) LastSentArrayID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSentArrayID
}

// HasBackChannel reports whether a back channel is currently bound.
func (s *Session) HasBackChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.back != nil
}

// OutstandingBytes is the JSON-serialized byte length of the data fields
// of every sent-but-unacknowledged array.
func (s *Session) OutstandingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, a := range s.outgoing {
		if a.id > s.lastSentArrayID {
			continue
		}
		b, err := marshalJSON(a.data)
		if err != nil {
			continue
		}
		total += len(b)
	}
	return total
}
