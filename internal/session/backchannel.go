package session

import (
	"errors"

	"github.com/vango-dev/browserchannel/internal/wire"
)

// ErrBackChannelRejected is returned by SetBackChannel when the request
// doesn't qualify as a back channel bind (spec.md §4.4: RID must be "rpc").
var ErrBackChannelRejected = errors.New("session: not a back channel request")

// SetBackChannel binds w as the session's back channel, replacing any
// previously bound one. Binding performs the §4.4 "rewind on rebind": any
// arrays already sent to the prior back channel but not yet acknowledged
// are resent from the start, since the client may not have received them
// (at-least-once redelivery — spec.md §9 Open Question 1, decided: no
// de-duplication is attempted here; the client is expected to tolerate
// duplicate array ids).
//
// The returned channel is closed exactly once, when this specific back
// channel is cleared (by replacement, CI=1 auto-close, or session close);
// a caller driving a hanging HTTP response blocks on it (or on its
// request context) to know when to return.
func (s *Session) SetBackChannel(w wire.Writer, mode wire.Mode, q BackChannelQuery) (<-chan struct{}, error) {
	if q.RID != "rpc" {
		return nil, ErrBackChannelRejected
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	hadPrior := s.back != nil
	s.clearBackChannelLocked()
	if hadPrior && s.metrics != nil {
		s.metrics.BackChannelRebinds.Inc()
	}

	back := &boundBackChannel{
		writer:  w,
		mode:    mode,
		chunked: q.CI == "0",
		done:    make(chan struct{}),
	}
	s.back = back

	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
	s.startHeartbeatLocked()

	if len(s.outgoing) > 0 {
		// Rewind what the new back channel believes has been sent, so the
		// unacked tail retransmits. sentFired is untouched: it tracks
		// whether each array's sentCb has ever fired, which must stay
		// true across a retransmit (spec.md §8 testable property 4, "sent
		// callback fires at most once").
		s.lastSentArrayID = s.outgoing[0].id - 1
	}
	s.mu.Unlock()

	s.Flush()
	return back.done, nil
}

// clearBackChannelLocked unbinds the current back channel, if any, ending
// its response and swapping its timer for the session timeout. Caller
// must hold s.mu.
func (s *Session) clearBackChannelLocked() {
	if s.back == nil {
		return
	}
	back := s.back
	s.back = nil

	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}

	_ = back.writer.End()
	close(back.done)

	if s.state != StateClosed {
		s.refreshSessionTimeoutLocked()
	}
}

// UnbindBackChannel is called by the dispatcher when the underlying HTTP
// connection for the bound back channel goes away (client disconnect)
// without a replacement request arriving. current must match the writer
// currently bound, so a race against a rebind can't unbind the wrong one.
func (s *Session) UnbindBackChannel(current wire.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.back == nil || s.back.writer != current {
		return
	}
	s.clearBackChannelLocked()
}

// startHeartbeatLocked (re)starts the keep-alive timer that, while a back
// channel is bound, periodically queues a ["noop"] array so intermediate
// proxies don't time out an idle long-poll (spec.md §4.4, §6).
func (s *Session) startHeartbeatLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	s.heartbeatTimer = s.clk.AfterFunc(s.cfg.KeepAliveInterval, s.onHeartbeat)
}

func (s *Session) onHeartbeat() {
	s.mu.Lock()
	if s.state == StateClosed || s.back == nil {
		s.mu.Unlock()
		return
	}
	s.lastArrayID++
	s.outgoing = append(s.outgoing, &outgoingArray{id: s.lastArrayID, data: []any{"noop"}})
	s.startHeartbeatLocked()
	s.mu.Unlock()

	s.Flush()
}

// refreshSessionTimeoutLocked (re)starts the timer that closes the
// session after cfg.SessionTimeoutInterval with no bound back channel
// (spec.md §4.4). It and the heartbeat timer are mutually exclusive:
// exactly one runs at a time, depending on binding state.
func (s *Session) refreshSessionTimeoutLocked() {
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	s.timeoutTimer = s.clk.AfterFunc(s.cfg.SessionTimeoutInterval, s.onSessionTimeout)
}

func (s *Session) onSessionTimeout() {
	s.Close("Timed out")
}
