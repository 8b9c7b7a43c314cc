package dispatch

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPUsesRemoteAddrWhenNoProxyTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/channel/bind", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	got := clientIP(req, nil)
	if got != "203.0.113.9" {
		t.Fatalf("clientIP = %q, want %q", got, "203.0.113.9")
	}
}

func TestClientIPHonorsXForwardedForFromTrustedProxy(t *testing.T) {
	trusted := newProxyMatcher([]string{"10.0.0.1"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/channel/bind", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

	got := clientIP(req, trusted)
	if got != "198.51.100.1" {
		t.Fatalf("clientIP = %q, want %q", got, "198.51.100.1")
	}
}

func TestClientIPPrefersForwardedHeaderOverXForwardedFor(t *testing.T) {
	trusted := newProxyMatcher([]string{"10.0.0.1"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/channel/bind", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("Forwarded", `for=198.51.100.7;proto=https`)
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	got := clientIP(req, trusted)
	if got != "198.51.100.7" {
		t.Fatalf("clientIP = %q, want %q", got, "198.51.100.7")
	}
}

func TestClientIPSkipsUntrustedRemoteAddrProxyHeader(t *testing.T) {
	// RemoteAddr itself is not in the trusted set, so any Forwarded/
	// X-Forwarded-For header it supplies must be ignored.
	trusted := newProxyMatcher([]string{"10.0.0.1"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/channel/bind", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	got := clientIP(req, trusted)
	if got != "203.0.113.9" {
		t.Fatalf("clientIP = %q, want %q", got, "203.0.113.9")
	}
}

func TestNewProxyMatcherAcceptsCIDR(t *testing.T) {
	m := newProxyMatcher([]string{"10.0.0.0/8"}, nil)
	if m == nil {
		t.Fatal("expected a non-nil matcher")
	}

	req := httptest.NewRequest(http.MethodGet, "/channel/bind", nil)
	req.RemoteAddr = "10.1.2.3:9999"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	got := clientIP(req, m)
	if got != "198.51.100.1" {
		t.Fatalf("clientIP = %q, want %q", got, "198.51.100.1")
	}
}

func TestNewProxyMatcherIgnoresInvalidEntries(t *testing.T) {
	m := newProxyMatcher([]string{"not-an-ip", ""}, nil)
	if m != nil {
		t.Fatal("expected nil matcher when no entries parse")
	}
}

func TestAddressDriftedDetectsMismatch(t *testing.T) {
	if !addressDrifted("203.0.113.9", "198.51.100.1") {
		t.Fatal("expected drift between two different addresses")
	}
}

func TestAddressDriftedIgnoresMatch(t *testing.T) {
	if addressDrifted("203.0.113.9", "203.0.113.9") {
		t.Fatal("expected no drift when addresses match")
	}
}

func TestAddressDriftedIgnoresUnresolvedEitherSide(t *testing.T) {
	if addressDrifted("", "198.51.100.1") {
		t.Fatal("expected no drift when the session has no recorded address")
	}
	if addressDrifted("203.0.113.9", "") {
		t.Fatal("expected no drift when the bind address could not be resolved")
	}
}
