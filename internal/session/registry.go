package session

import (
	"log/slog"
	"sync"

	"github.com/vango-dev/browserchannel/internal/clock"
	"github.com/vango-dev/browserchannel/internal/metrics"
)

// Registry is the process-wide session table (spec.md §4.3): create,
// lookup, and remove, plus the "ghosting" rule that closes a client's
// prior session when it reconnects claiming an OSID/OAID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	hooks   Hooks
	cfg     Config
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	perIPCount map[string]int
}

// NewRegistry constructs an empty Registry. hooks are applied to every
// session it creates; pass a zero Config for defaults.
func NewRegistry(hooks Hooks, cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if clk == nil {
		clk = clock.Real
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		hooks:      hooks,
		cfg:        cfg.withDefaults(),
		clk:        clk,
		logger:     logger,
		metrics:    m,
		perIPCount: make(map[string]int),
	}
}

// Create allocates a new Session, registers it, and — if oldID names a
// session still present in the registry — ghosts that prior session:
// acknowledges everything up to oldAID on it, then closes it as
// "Reconnected" (spec.md §4.3, "ghosting"). onCreate, if non-nil, runs
// synchronously after the new session is registered but before Create
// returns, so a caller can do setup (e.g. queue the initial ["c", ...]
// array) that must be visible to any racing lookup of the same id.
func (r *Registry) Create(address, appVersion, oldID string, oldAID int64, onCreate func(*Session)) (*Session, error) {
	if old, ok := r.Lookup(oldID); ok && oldID != "" {
		old.AcknowledgedArrays(oldAID)
		old.Close("Reconnected")
	}

	id := generateID()
	r.mu.Lock()
	for {
		if _, exists := r.sessions[id]; !exists {
			break
		}
		id = generateID()
	}

	s := New(id, address, appVersion, r.hooks, r.cfg, r.clk, r.logger, r.metrics)
	s.onRemove = r.remove
	r.sessions[id] = s
	r.perIPCount[address]++
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsCreated.Inc()
		r.metrics.ActiveSessions.Inc()
		r.metrics.SessionsPerIP.WithLabelValues(address).Set(float64(r.perIPCount[address]))
	}

	if onCreate != nil {
		onCreate(s)
	}
	return s, nil
}

// Lookup returns the session registered under id, if any.
func (r *Registry) Lookup(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// remove drops a session from the table. Called once, from Session.Close.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.perIPCount[s.Address]--
	remaining := r.perIPCount[s.Address]
	if remaining <= 0 {
		delete(r.perIPCount, s.Address)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
		if remaining <= 0 {
			r.metrics.SessionsPerIP.DeleteLabelValues(s.Address)
		} else {
			r.metrics.SessionsPerIP.WithLabelValues(s.Address).Set(float64(remaining))
		}
	}
}

// CloseAll closes every registered session with the given reason. Used by
// the server on graceful shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Close(reason)
	}
}
