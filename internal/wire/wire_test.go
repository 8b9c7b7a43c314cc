package wire

import (
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func TestXHRWriteLengthPrefixed(t *testing.T) {
	rec := httptest.NewRecorder()
	w := New(rec, ModeXHR, "")
	payload := `[[0,["c","sid",null,8]]]`
	if err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	body := rec.Body.String()
	want := strconv.Itoa(len(payload)) + "\n" + payload
	if body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestXHRWriteRawVerbatim(t *testing.T) {
	rec := httptest.NewRecorder()
	w := New(rec, ModeXHR, "")
	if err := w.WriteRaw("11111"); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if rec.Body.String() != "11111" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "11111")
	}
}

func TestXHRWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	w := New(rec, ModeXHR, "")
	if err := w.WriteError(400, "Bad data"); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	if rec.Code != 400 {
		t.Fatalf("Code = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Bad data") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTMLWriteHeadWithDomain(t *testing.T) {
	rec := httptest.NewRecorder()
	w := New(rec, ModeHTML, "example.com")
	if err := w.WriteHead(); err != nil {
		t.Fatalf("WriteHead: %v", err)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "<html><body>") {
		t.Fatalf("body = %q, missing <html><body> prefix", body)
	}
	if !strings.Contains(body, `document.domain="example.com";`) {
		t.Fatalf("body = %q, missing JSON-encoded domain script", body)
	}
}

func TestHTMLWritePadsOnlyFirstWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	w := New(rec, ModeHTML, "")
	if err := w.WriteHead(); err != nil {
		t.Fatalf("WriteHead: %v", err)
	}
	if err := w.Write("11111"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write("2"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	body := rec.Body.String()
	if strings.Count(body, "<!--") != 1 {
		t.Fatalf("expected IE junk exactly once, body = %q", body)
	}
	if !strings.Contains(body, `try {parent.m("11111")} catch(e) {}`) {
		t.Fatalf("missing first payload script, body = %q", body)
	}
	if !strings.Contains(body, `try {parent.m("2")} catch(e) {}`) {
		t.Fatalf("missing second payload script, body = %q", body)
	}

	firstIdx := strings.Index(body, `parent.m("11111")`)
	junkIdx := strings.Index(body, "<!--")
	if junkIdx < firstIdx {
		t.Fatalf("IE junk must follow the first write, body = %q", body)
	}
}

func TestHTMLEndPreservesDoubleSpace(t *testing.T) {
	rec := httptest.NewRecorder()
	w := New(rec, ModeHTML, "")
	w.WriteHead()
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	want := "try  {parent.d(); }catch (e){}"
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("body = %q, missing %q", rec.Body.String(), want)
	}
}

func TestHTMLWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	w := New(rec, ModeHTML, "")
	if err := w.WriteError(400, "Bad data"); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	if rec.Code != 200 {
		t.Fatalf("Code = %d, want 200 (HTML framing reports errors in-band)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `parent.rpcClose("Bad data")`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestCommonHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	New(rec, ModeXHR, "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing X-Content-Type-Options header")
	}
	if rec.Header().Get("Expires") == "" {
		t.Fatalf("missing Expires header")
	}
}
