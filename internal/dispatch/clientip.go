package dispatch

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// proxyMatcher tests whether an IP belongs to a configured set of trusted
// reverse proxies, used here for client-IP extraction (spec.md §6, "client
// address").
type proxyMatcher struct {
	ips  map[string]struct{}
	nets []*net.IPNet
}

func newProxyMatcher(entries []string, logger *slog.Logger) *proxyMatcher {
	if len(entries) == 0 {
		return nil
	}

	ips := make(map[string]struct{})
	var nets []*net.IPNet

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				if logger != nil {
					logger.Warn("invalid trusted proxy CIDR", "entry", entry, "error", err)
				}
				continue
			}
			nets = append(nets, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			if logger != nil {
				logger.Warn("invalid trusted proxy IP", "entry", entry)
			}
			continue
		}
		ips[ip.String()] = struct{}{}
	}

	if len(ips) == 0 && len(nets) == 0 {
		return nil
	}
	return &proxyMatcher{ips: ips, nets: nets}
}

func (m *proxyMatcher) IsTrusted(ip net.IP) bool {
	if m == nil || ip == nil {
		return false
	}
	if len(m.ips) > 0 {
		if _, ok := m.ips[ip.String()]; ok {
			return true
		}
	}
	for _, network := range m.nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the string form of clientIPFromRequest(r, trusted), or
// "" if it can't be determined.
func clientIP(r *http.Request, trusted *proxyMatcher) string {
	ip := clientIPFromRequest(r, trusted)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// addressDrifted reports whether a bind request's resolved address differs
// from the one a session was created with. A stateless request handler has
// no use for this — every request stands alone — but a BrowserChannel
// session's forward and back channel each land as their own independent
// HTTP request against the same SID for as long as the session lives
// (spec.md "address: client IP captured at create time"). A drift here
// doesn't mean the address resolver got anything wrong; it means the POST
// or GET carrying this SID came from a different network than the one the
// session was opened on, which is worth logging even though it's not
// grounds to reject the request outright (NATs and mobile carriers rotate
// egress IPs mid-session routinely).
func addressDrifted(sessionAddress, resolved string) bool {
	return sessionAddress != "" && resolved != "" && resolved != sessionAddress
}

// clientIPFromRequest resolves the real client address: the TCP peer
// address, unless it belongs to a trusted proxy, in which case the
// right-most untrusted address in Forwarded/X-Forwarded-For is used
// instead (spec.md §6).
func clientIPFromRequest(r *http.Request, trusted *proxyMatcher) net.IP {
	remoteIP := remoteIPFromRequest(r)
	if remoteIP == nil {
		return nil
	}
	if trusted == nil || !trusted.IsTrusted(remoteIP) {
		return remoteIP
	}

	forwarded := parseForwardedFor(r.Header.Get("Forwarded"))
	if len(forwarded) == 0 {
		forwarded = parseXForwardedFor(r.Header.Get("X-Forwarded-For"))
	}
	if len(forwarded) == 0 {
		return remoteIP
	}

	var candidates []net.IP
	for _, ip := range forwarded {
		if ip != nil {
			candidates = append(candidates, ip)
		}
	}
	if len(candidates) == 0 {
		return remoteIP
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		if !trusted.IsTrusted(candidates[i]) {
			return candidates[i]
		}
	}
	return candidates[0]
}

func remoteIPFromRequest(r *http.Request) net.IP {
	if r == nil {
		return nil
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if zone := strings.Index(host, "%"); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}

func parseForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}
	var out []net.IP
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		for _, param := range strings.Split(part, ";") {
			param = strings.TrimSpace(param)
			if param == "" {
				continue
			}
			kv := strings.SplitN(param, "=", 2)
			if len(kv) != 2 || !strings.EqualFold(strings.TrimSpace(kv[0]), "for") {
				continue
			}
			if ip := parseForwardedIP(strings.TrimSpace(kv[1])); ip != nil {
				out = append(out, ip)
			}
		}
	}
	return out
}

func parseXForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}
	var out []net.IP
	for _, part := range strings.Split(header, ",") {
		if ip := parseForwardedIP(part); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func parseForwardedIP(value string) net.IP {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "\"")
	if value == "" || strings.EqualFold(value, "unknown") {
		return nil
	}

	host := value
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end != -1 {
			host = host[1:end]
		}
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.Count(host, ":") > 1 {
		host = strings.Trim(host, "[]")
	}
	host = strings.Trim(host, "[]")
	if zone := strings.Index(host, "%"); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}
