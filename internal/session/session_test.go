package session

import (
	"testing"
	"time"

	"github.com/vango-dev/browserchannel/internal/clock"
	"github.com/vango-dev/browserchannel/internal/wire"
)

// fakeWriter records every Write/WriteRaw/End call so tests can assert on
// wire-level output without a real http.ResponseWriter.
type fakeWriter struct {
	heads   int
	writes  []string
	raws    []string
	ends    int
	errs    []string
	failNow bool
}

func (f *fakeWriter) WriteHead() error { f.heads++; return nil }
func (f *fakeWriter) Write(payload string) error {
	if f.failNow {
		return errWriteFailed
	}
	f.writes = append(f.writes, payload)
	return nil
}
func (f *fakeWriter) WriteRaw(payload string) error { f.raws = append(f.raws, payload); return nil }
func (f *fakeWriter) End() error                    { f.ends++; return nil }
func (f *fakeWriter) WriteError(code int, msg string) error {
	f.errs = append(f.errs, msg)
	return nil
}

type writeFailedError struct{}

func (writeFailedError) Error() string { return "fake: write failed" }

var errWriteFailed = writeFailedError{}

func newTestSession(t *testing.T, vc *clock.Virtual) *Session {
	t.Helper()
	cfg := Config{KeepAliveInterval: 20 * time.Second, SessionTimeoutInterval: 30 * time.Second}
	return New("sess1", "127.0.0.1", "1", Hooks{}, cfg, vc, nil, nil)
}

func bindBackChannel(t *testing.T, s *Session) (*fakeWriter, <-chan struct{}) {
	t.Helper()
	fw := &fakeWriter{}
	done, err := s.SetBackChannel(fw, wire.ModeXHR, BackChannelQuery{RID: "rpc", CI: "0"})
	if err != nil {
		t.Fatalf("SetBackChannel: %v", err)
	}
	return fw, done
}

func TestQueueArrayAssignsMonotonicIDs(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)

	id0, err := s.QueueArray("a", nil, nil)
	if err != nil || id0 != 0 {
		t.Fatalf("id0 = %d, err = %v", id0, err)
	}
	id1, err := s.QueueArray("b", nil, nil)
	if err != nil || id1 != 1 {
		t.Fatalf("id1 = %d, err = %v", id1, err)
	}
}

func TestQueueArrayRejectedAfterClose(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)
	s.Close("test")

	if _, err := s.QueueArray("a", nil, nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFlushSendsQueuedArraysOnce(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)
	fw, _ := bindBackChannel(t, s)

	sentCalls := 0
	if _, err := s.QueueArray("a", func() { sentCalls++ }, nil); err != nil {
		t.Fatal(err)
	}
	s.Flush()
	vc.Advance(0)

	if len(fw.writes) != 1 {
		t.Fatalf("expected 1 write, got %d: %v", len(fw.writes), fw.writes)
	}
	if sentCalls != 1 {
		t.Fatalf("sentCb fired %d times, want 1", sentCalls)
	}
	if got := fw.writes[0]; got != `[[0,"a"]]`+"\n" {
		t.Fatalf("unexpected payload: %q", got)
	}
}

func TestAcknowledgedArraysInvokesConfirmedOnce(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)

	var gotErr error
	calls := 0
	if _, err := s.QueueArray("a", nil, func(err error) { calls++; gotErr = err }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.QueueArray("b", nil, nil); err != nil {
		t.Fatal(err)
	}

	s.AcknowledgedArrays(0)
	s.AcknowledgedArrays(0) // idempotent: must not fire twice

	if calls != 1 {
		t.Fatalf("confirmedCb called %d times, want 1", calls)
	}
	if gotErr != nil {
		t.Fatalf("expected nil error, got %v", gotErr)
	}
	if len(s.outgoing) != 1 || s.outgoing[0].id != 1 {
		t.Fatalf("expected only id 1 left, got %+v", s.outgoing)
	}
}

func TestCloseInvokesOutstandingConfirmedWithError(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)

	var gotErr error
	if _, err := s.QueueArray("a", nil, func(err error) { gotErr = err }); err != nil {
		t.Fatal(err)
	}

	s.Close("boom")

	if gotErr == nil {
		t.Fatal("expected confirmedCb to fire with an error")
	}
	if gotErr.Error() != "boom" {
		t.Fatalf("expected error reason 'boom', got %q", gotErr.Error())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)

	closes := 0
	s.hooks.OnClose = func(string) { closes++ }

	s.Close("first")
	s.Close("second")

	if closes != 1 {
		t.Fatalf("OnClose fired %d times, want 1", closes)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestSessionTimeoutClosesSession(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	cfg := Config{KeepAliveInterval: 20 * time.Second, SessionTimeoutInterval: 30 * time.Second}
	s := New("sess1", "127.0.0.1", "1", Hooks{}, cfg, vc, nil, nil)

	vc.Advance(30 * time.Second)

	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed after timeout", s.State())
	}
}

func TestBoundBackChannelSuppressesTimeout(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)
	bindBackChannel(t, s)

	vc.Advance(30 * time.Second)

	if s.State() == StateClosed {
		t.Fatal("session closed despite a bound back channel")
	}
}

func TestHeartbeatQueuesNoopWhileBound(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := newTestSession(t, vc)
	fw, _ := bindBackChannel(t, s)

	vc.Advance(20 * time.Second)
	vc.Advance(0) // fire the heartbeat's own Flush, deferred one tick

	found := false
	for _, w := range fw.writes {
		if w == `[[0,["noop"]]]`+"\n" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a noop heartbeat write, got %v", fw.writes)
	}
}
