package session

import (
	"encoding/json"

	"github.com/vango-dev/browserchannel/internal/forward"
)

// ReceivedData feeds one decoded forward-channel batch into the session's
// sparse reorder buffer (spec.md §4.4). Batches that arrive out of order
// are held until the missing offsets fill in; batches below the next
// expected offset (retransmits) or at an offset already buffered
// (duplicates) are dropped. Once
// buffered[nextMapID] becomes available, every map/message in it — and
// in any immediately-following buffered offsets — is emitted via the
// OnMap/OnMessage hooks in order, advancing nextMapID past each.
//
// ReceivedData reports ErrClosed if the session has already closed, and
// ErrBufferOverflow if accepting batch would exceed cfg.MaxBufferedBatches
// (spec.md §9: an unbounded reorder buffer lets a client exhaust server
// memory by never sending the gap-filling batch).
func (s *Session) ReceivedData(batch *forward.Batch) error {
	s.mu.Lock()

	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}

	if batch.Offset < s.nextMapID {
		// Already processed; the client retransmitted because it never
		// saw our ack. Drop silently.
		s.mu.Unlock()
		return nil
	}
	if _, exists := s.buffered[batch.Offset]; exists {
		s.mu.Unlock()
		return nil
	}

	if batch.Offset != s.nextMapID && len(s.buffered) >= s.cfg.MaxBufferedBatches {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.DecoderErrors.WithLabelValues("buffer_overflow").Inc()
		}
		s.Close("Buffer overflow")
		return ErrBufferOverflow
	}

	s.buffered[batch.Offset] = batch

	for {
		next, ok := s.buffered[s.nextMapID]
		if !ok {
			break
		}
		delete(s.buffered, s.nextMapID)
		s.nextMapID += mapCount(next)

		s.emitBatchLocked(next)

		if s.state == StateClosed {
			break
		}
	}

	s.mu.Unlock()
	return nil
}

// mapCount is how far a batch advances nextMapID: one per map/JSON item it
// carries, matching the per-item offsets the client assigns client-side.
func mapCount(b *forward.Batch) int {
	if len(b.Maps) > 0 {
		return len(b.Maps)
	}
	if len(b.JSONItems) > 0 {
		return len(b.JSONItems)
	}
	return 1
}

// emitBatchLocked fires OnMap/OnMessage for every item in b, in order.
// Caller must hold s.mu; it is released temporarily around each hook
// invocation so an application hook can itself call back into the
// session (e.g. QueueArray) without deadlocking.
func (s *Session) emitBatchLocked(b *forward.Batch) {
	for _, m := range b.Maps {
		if s.state == StateClosed {
			return
		}
		if raw, ok := m["_JSON"]; ok {
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
				if s.metrics != nil {
					s.metrics.DecoderErrors.WithLabelValues("json_map").Inc()
				}
				continue
			}
			s.invokeOnMessageUnlocked(parsed)
			continue
		}
		s.invokeOnMapUnlocked(m)
	}
	for _, item := range b.JSONItems {
		if s.state == StateClosed {
			return
		}
		s.invokeOnMessageUnlocked(item)
	}
}

func (s *Session) invokeOnMapUnlocked(m map[string]string) {
	if s.hooks.OnMap == nil {
		return
	}
	s.mu.Unlock()
	s.hooks.OnMap(m)
	s.mu.Lock()
}

func (s *Session) invokeOnMessageUnlocked(v any) {
	if s.hooks.OnMessage == nil {
		return
	}
	s.mu.Unlock()
	s.hooks.OnMessage(v)
	s.mu.Lock()
}

// ErrBufferOverflow is returned by ReceivedData when the reorder buffer's
// capacity is exceeded; the session is closed as part of returning it.
var ErrBufferOverflow = bufferOverflowError{}

type bufferOverflowError struct{}

func (bufferOverflowError) Error() string { return "session: reorder buffer overflow" }
