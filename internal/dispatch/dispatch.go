// Package dispatch implements the BrowserChannel HTTP surface: the
// /{base}/test probe endpoints and the /{base}/bind forward/back channel
// endpoints, translating requests into internal/session operations and
// responses through internal/wire. See spec.md §4.5, §6, §7.
package dispatch

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vango-dev/browserchannel/internal/bcerr"
	"github.com/vango-dev/browserchannel/internal/forward"
	"github.com/vango-dev/browserchannel/internal/metrics"
	"github.com/vango-dev/browserchannel/internal/session"
	"github.com/vango-dev/browserchannel/internal/wire"
)

// protocolVersion is the only VER value this dispatcher accepts (spec.md
// §1 Non-goals: "supporting wire versions other than protocol version 8").
const protocolVersion = "8"

// Options configures a Handler.
type Options struct {
	// Base is the URL prefix this handler is mounted under, already
	// normalized (leading slash, no trailing slash) — see
	// internal/config.normalize.
	Base string

	// HostPrefixes is the pool /test?MODE=init samples from at random.
	HostPrefixes []string

	// TrustedProxies lists IPs/CIDRs allowed to set Forwarded/
	// X-Forwarded-For; leave nil to always trust the TCP peer address.
	TrustedProxies []string

	Registry *session.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// OnConnect is invoked once per newly created session, synchronously,
	// before the creating request's response is written (spec.md §4.3,
	// "Application callback").
	OnConnect func(*session.Session)
}

// Handler serves the BrowserChannel transport endpoints. It implements
// http.Handler so it can be mounted directly or wrapped by an outer
// router/middleware chain (spec.md §1: routing itself is out of scope).
type Handler struct {
	base      string
	prefixes  []string
	proxies   *proxyMatcher
	registry  *session.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	onConnect func(*session.Session)
}

// New constructs a Handler from opts.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		base:      opts.Base,
		prefixes:  opts.HostPrefixes,
		proxies:   newProxyMatcher(opts.TrustedProxies, logger),
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		logger:    logger,
		onConnect: opts.OnConnect,
	}
}

// ServeHTTP dispatches to the /test and /bind sub-handlers and answers any
// other path under its base with 404. The handler has no downstream
// handler to delegate to: a request whose path is outside its base also
// gets a plain 404.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, h.base)
	if !ok {
		http.NotFound(w, r)
		return
	}

	// rid correlates every log line this request produces, independent of
	// any BrowserChannel session id (which doesn't exist yet for most of
	// the /test surface, and is attacker-controlled on /bind).
	rid := uuid.NewString()
	logger := h.logger.With("rid", rid, "path", rest)

	switch rest {
	case "/test":
		h.handleTest(w, r, logger)
	case "/bind":
		h.handleBind(w, r, logger)
	default:
		h.writeErr(w, logger, bcerr.NotFound)
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, logger *slog.Logger, e *bcerr.Error) {
	logger.Warn("request rejected", "category", e.Category, "status", e.Status, "message", e.Message)
	http.Error(w, e.Message, e.Status)
}

func requireVersion(r *http.Request) bool {
	return r.URL.Query().Get("VER") == protocolVersion
}

// --- /test ------------------------------------------------------------

func (h *Handler) handleTest(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	if r.Method != http.MethodGet {
		h.writeErr(w, logger, bcerr.MethodNotAllowed)
		return
	}
	if !requireVersion(r) {
		h.writeErr(w, logger, bcerr.VersionRequired)
		return
	}

	q := r.URL.Query()
	if q.Get("MODE") == "init" {
		h.handleTestInit(w)
		return
	}
	h.handleTestProbe(w, r)
}

// handleTestInit answers the host-prefix discovery probe (spec.md §4.5).
func (h *Handler) handleTestInit(w http.ResponseWriter) {
	prefix := h.randomPrefix()
	body, _ := json.Marshal([]any{prefix, nil})

	wire.SetCommonHeaders(w)
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Accept", "application/json; application/x-www-form-urlencoded")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) randomPrefix() any {
	if len(h.prefixes) == 0 {
		return nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(h.prefixes))))
	if err != nil {
		return h.prefixes[0]
	}
	return h.prefixes[n.Int64()]
}

// handleTestProbe runs the buffering-proxy detection probe: writeHead,
// writeRaw("11111"), then 2 seconds later writeRaw("2") and end (spec.md
// §4.5, §8 "Phase-2").
func (h *Handler) handleTestProbe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := modeFromType(q.Get("TYPE"))
	writer := wire.New(w, mode, q.Get("DOMAIN"))

	if err := writer.WriteHead(); err != nil {
		return
	}
	if err := writer.WriteRaw("11111"); err != nil {
		return
	}

	select {
	case <-r.Context().Done():
		return
	case <-time.After(probeDelay):
	}

	_ = writer.WriteRaw("2")
	_ = writer.End()
}

// probeDelay is the §4.5/§8 phase-2 gap between the two probe chunks. A
// var, not a const, so tests can shrink it.
var probeDelay = 2 * time.Second

func modeFromType(t string) wire.Mode {
	if t == "html" {
		return wire.ModeHTML
	}
	return wire.ModeXHR
}

// --- /bind --------------------------------------------------------------

func (h *Handler) handleBind(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	if !requireVersion(r) {
		h.writeErr(w, logger, bcerr.VersionRequired)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handleBindPOST(w, r, logger)
	case http.MethodGet:
		h.handleBindGET(w, r, logger)
	default:
		h.writeErr(w, logger, bcerr.MethodNotAllowed)
	}
}

func (h *Handler) handleBindPOST(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	q := r.URL.Query()
	sid := q.Get("SID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeErr(w, logger, bcerr.BadData)
		return
	}

	if sid == "" {
		h.handleNewSession(w, r, body, logger)
		return
	}

	sess, ok := h.registry.Lookup(sid)
	if !ok {
		h.writeErr(w, logger, bcerr.UnknownSID)
		return
	}
	h.checkAddressDrift(r, sess, logger)

	if aid := q.Get("AID"); aid != "" {
		if n, err := strconv.ParseInt(aid, 10, 64); err == nil {
			sess.AcknowledgedArrays(n)
		}
	}

	batch, err := forward.Decode(r.Header.Get("Content-Type"), body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.DecoderErrors.WithLabelValues("forward_post").Inc()
		}
		h.writeErr(w, logger, bcerr.BadData)
		return
	}
	if batch != nil {
		_ = sess.ReceivedData(batch)
	}

	h.respondBindStatus(w, sess)
}

// respondBindStatus writes the §4.5 POST ack response:
// [backChannelPresent?1:0, lastSentArrayId, outstandingBytes].
func (h *Handler) respondBindStatus(w http.ResponseWriter, sess *session.Session) {
	present := 0
	if sess.HasBackChannel() {
		present = 1
	}
	body, _ := json.Marshal([]any{present, sess.LastSentArrayID(), sess.OutstandingBytes()})
	payload := strconv.Itoa(len(body)) + "\n" + string(body)

	wire.SetCommonHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(payload))
}

// handleNewSession implements the §4.5 "SID absent" path: create a
// session (ghosting OSID/OAID if present), run the connect callback,
// decode and apply the POST body, then bind the response itself as the
// session's initial back channel.
func (h *Handler) handleNewSession(w http.ResponseWriter, r *http.Request, body []byte, logger *slog.Logger) {
	q := r.URL.Query()
	address := clientIP(r, h.proxies)
	appVersion := q.Get("CVER")
	oldID := q.Get("OSID")

	var oldAID int64
	if v := q.Get("OAID"); v != "" {
		oldAID, _ = strconv.ParseInt(v, 10, 64)
	}

	prefix := h.randomPrefix()

	sess, _ := h.registry.Create(address, appVersion, oldID, oldAID, func(s *session.Session) {
		_, _ = s.QueueArray([]any{"c", s.ID, prefix, 8}, nil, nil)
		if h.onConnect != nil {
			h.onConnect(s)
		}
	})
	logger.Info("session created", "session_id", sess.ID, "address", address)

	batch, err := forward.Decode(r.Header.Get("Content-Type"), body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.DecoderErrors.WithLabelValues("forward_new").Inc()
		}
		h.writeErr(w, logger, bcerr.BadData)
		return
	}
	if batch != nil {
		_ = sess.ReceivedData(batch)
	}

	writer := wire.New(w, wire.ModeXHR, "")
	done, err := sess.SetBackChannel(writer, wire.ModeXHR, session.BackChannelQuery{RID: "rpc", CI: "1"})
	if err != nil {
		// Session closed under us between creation and here; nothing left
		// to flush.
		return
	}

	// CI=1 means this back channel is unbound again as soon as its one
	// payload is written (see Session.runFlush); block until that
	// happens so the initial ["c", id, prefix, 8] array is actually on
	// the wire before this handler — and with it, the HTTP response —
	// returns.
	select {
	case <-r.Context().Done():
	case <-done:
	}
	sess.MarkOK()
}

// checkAddressDrift logs and counts bind requests whose resolved address
// no longer matches sess's, without rejecting them (see addressDrifted).
func (h *Handler) checkAddressDrift(r *http.Request, sess *session.Session, logger *slog.Logger) {
	resolved := clientIP(r, h.proxies)
	if !addressDrifted(sess.Address, resolved) {
		return
	}
	if h.metrics != nil {
		h.metrics.AddressDrift.Inc()
	}
	logger.Warn("bind address differs from session creation address",
		"session_id", sess.ID, "created_address", sess.Address, "bind_address", resolved)
}

func (h *Handler) handleBindGET(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	q := r.URL.Query()
	sid := q.Get("SID")
	if sid == "" {
		h.writeErr(w, logger, bcerr.UnknownSID)
		return
	}
	sess, ok := h.registry.Lookup(sid)
	if !ok {
		h.writeErr(w, logger, bcerr.UnknownSID)
		return
	}
	h.checkAddressDrift(r, sess, logger)

	if q.Get("RID") != "rpc" {
		h.writeErr(w, logger, bcerr.BadData)
		return
	}

	if aid := q.Get("AID"); aid != "" {
		if n, err := strconv.ParseInt(aid, 10, 64); err == nil {
			sess.AcknowledgedArrays(n)
		}
	}

	mode := modeFromType(q.Get("TYPE"))
	writer := wire.New(w, mode, q.Get("DOMAIN"))
	if err := writer.WriteHead(); err != nil {
		return
	}

	done, err := sess.SetBackChannel(writer, mode, session.BackChannelQuery{RID: q.Get("RID"), CI: q.Get("CI")})
	if err != nil {
		// sess closed between Lookup and here; nothing more to do.
		_ = writer.End()
		return
	}

	// Block until either the underlying connection goes away (client
	// disconnect — spec.md §5 suspension point (c)) or this back channel
	// is cleared some other way (replaced by a rebind, or CI=1 auto-close
	// after a send).
	select {
	case <-r.Context().Done():
		sess.UnbindBackChannel(writer)
	case <-done:
	}
}
