// Package wire implements the two BrowserChannel response framings: a
// length-prefixed JSON stream for XHR-capable clients, and an HTML/iframe
// "script tag" framing for legacy browsers that lack XMLHttpRequest
// streaming. Both share the Writer contract so the session state machine
// (internal/session) never needs to know which framing is bound to a given
// back channel. See spec.md §4.1 and §9 ("Back-channel writer polymorphism").
package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Mode selects which framing a Writer uses, chosen per request from the
// TYPE query parameter.
type Mode int

const (
	// ModeXHR is the length-prefixed JSON framing (TYPE absent or "xmlhttp").
	ModeXHR Mode = iota
	// ModeHTML is the iframe/script-tag framing (TYPE=html).
	ModeHTML
)

// Writer is the common contract every back channel and /test responder
// writes through, regardless of framing.
type Writer interface {
	// WriteHead emits whatever framing preamble this mode requires (a
	// content-type header plus, for HTML, the opening <html><body> and
	// optional document.domain script). Write and WriteRaw call it first
	// if it has not run yet; calling it again afterwards is a no-op.
	WriteHead() error

	// Write emits one payload, framed per the selected Mode.
	Write(payload string) error

	// WriteRaw emits payload verbatim, with no framing. Used by the /test
	// phase-2 probe (spec.md §4.5).
	WriteRaw(payload string) error

	// End terminates the response in a mode-appropriate way.
	End() error

	// WriteError sends an error response. Some modes (HTML) must still
	// respond with HTTP 200 and communicate the failure in-band, since
	// the iframe transport can't surface a non-200 status to the page.
	WriteError(code int, msg string) error
}

// New returns a Writer bound to w, framing responses per mode. domain is
// the DOMAIN query parameter (only meaningful for ModeHTML); pass "" when
// absent.
func New(w http.ResponseWriter, mode Mode, domain string) Writer {
	setCommonHeaders(w)
	switch mode {
	case ModeHTML:
		return &htmlWriter{w: w, domain: domain}
	default:
		return &xhrWriter{w: w}
	}
}

// SetCommonHeaders applies the §4.1 "All responses set" header block. It
// is exported so dispatcher responses that don't go through a Writer
// (e.g. the /test?MODE=init probe) can still carry it.
func SetCommonHeaders(w http.ResponseWriter) {
	setCommonHeaders(w)
}

// setCommonHeaders applies the §4.1 "All responses set" header block.
func setCommonHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "Fri, 01 Jan 1990 00:00:00 GMT")
	h.Set("X-Content-Type-Options", "nosniff")
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// jsonString fully JSON-encodes v before it is embedded into a <script>
// tag, never raw string interpolation — the XSS mitigation §4.1 calls out
// for DOMAIN.
func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// v is always a string or a simple payload here; Marshal on a
		// string cannot fail.
		return `""`
	}
	return string(b)
}

// --- XHR framing ---------------------------------------------------------

type xhrWriter struct {
	w           http.ResponseWriter
	headWritten bool
}

func (x *xhrWriter) WriteHead() error {
	if x.headWritten {
		return nil
	}
	x.headWritten = true
	x.w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	x.w.WriteHeader(http.StatusOK)
	flush(x.w)
	return nil
}

func (x *xhrWriter) Write(payload string) error {
	if !x.headWritten {
		if err := x.WriteHead(); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(x.w, "%d\n%s", len(payload), payload)
	flush(x.w)
	return err
}

func (x *xhrWriter) WriteRaw(payload string) error {
	if !x.headWritten {
		if err := x.WriteHead(); err != nil {
			return err
		}
	}
	_, err := x.w.Write([]byte(payload))
	flush(x.w)
	return err
}

func (x *xhrWriter) End() error {
	return nil
}

func (x *xhrWriter) WriteError(code int, msg string) error {
	http.Error(x.w, msg, code)
	return nil
}

// --- HTML/iframe framing --------------------------------------------------

// ieJunk is the ~400-byte padding blob inserted after the first write, to
// defeat intermediate proxy/browser read-buffering (spec.md §4.1, §8,
// glossary "IE junk"). It is wrapped in an HTML comment so it has no visible
// or scripted effect.
const ieJunk = "<!-- " +
	"0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	" -->\n"

type htmlWriter struct {
	w           http.ResponseWriter
	domain      string
	headWritten bool
	wroteOnce   bool
}

func (h *htmlWriter) WriteHead() error {
	if h.headWritten {
		return nil
	}
	h.headWritten = true
	h.w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	h.w.WriteHeader(http.StatusOK)

	if _, err := h.w.Write([]byte("<html><body>")); err != nil {
		return err
	}
	if h.domain != "" {
		script := fmt.Sprintf("<script>document.domain=%s;</script>\n", jsonString(h.domain))
		if _, err := h.w.Write([]byte(script)); err != nil {
			return err
		}
	}
	flush(h.w)
	return nil
}

func (h *htmlWriter) Write(payload string) error {
	if !h.headWritten {
		if err := h.WriteHead(); err != nil {
			return err
		}
	}
	chunk := fmt.Sprintf("<script>try {parent.m(%s)} catch(e) {}</script>\n", jsonString(payload))
	if !h.wroteOnce {
		chunk += ieJunk
		h.wroteOnce = true
	}
	_, err := h.w.Write([]byte(chunk))
	flush(h.w)
	return err
}

// WriteRaw has no meaningful "unframed" form inside an HTML page — any
// payload still has to reach the embedding document through the same
// parent.m(...) script call — so it is identical to Write.
func (h *htmlWriter) WriteRaw(payload string) error {
	return h.Write(payload)
}

func (h *htmlWriter) End() error {
	// The exact double space before "{parent.d();" is preserved
	// byte-for-byte for compatibility with existing clients (spec.md §4.1).
	_, err := h.w.Write([]byte("<script>try  {parent.d(); }catch (e){}</script>\n"))
	flush(h.w)
	return err
}

func (h *htmlWriter) WriteError(code int, msg string) error {
	if !h.headWritten {
		if err := h.WriteHead(); err != nil {
			return err
		}
	}
	chunk := fmt.Sprintf("<script>try {parent.rpcClose(%s)} catch(e){}</script>", jsonString(msg))
	_, err := h.w.Write([]byte(chunk))
	flush(h.w)
	return err
}
