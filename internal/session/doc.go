// Package session implements the BrowserChannel per-client state machine
// and its process-wide registry: session creation/lookup/removal, the
// outgoing array queue with acknowledgement-based garbage collection, the
// incoming forward-channel reorder buffer, the single-back-channel binding
// and rewind-on-replace rule, and the heartbeat/timeout timers that drive
// session lifecycle. See spec.md §3 and §4.3–§4.4.
//
// # Concurrency
//
// Every exported Session method takes the session's own mutex, so callers
// on different goroutines (the HTTP dispatcher handling concurrent forward
// and back-channel requests for the same session, or a timer firing) never
// race on queue/timer/back-channel state. This gives each session the
// single logical executor spec.md §5 requires without needing an explicit
// per-session goroutine.
package session
