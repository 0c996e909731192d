// Package auth implements stateless trusted-reverse-proxy authentication:
// identity comes from Remote-* headers set by a fronting proxy (Authelia,
// oauth2-proxy and similar), trusted only when the immediate peer is on an
// operator-configured allowlist. There are no accounts, passwords, or
// sessions to store.
package auth

import (
	"net"
	"net/http"
	"strings"
)

// DefaultTrustedProxyIPs is the allowlist used when
// LLMCOUNCIL_TRUSTED_PROXY_IPS is unset.
var DefaultTrustedProxyIPs = []string{
	"127.0.0.1", "::1", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
}

const (
	remoteUserHeader   = "Remote-User"
	remoteEmailHeader  = "Remote-Email"
	remoteGroupsHeader = "Remote-Groups"
	remoteNameHeader   = "Remote-Name"
)

// Config controls the proxy-header middleware.
type Config struct {
	Enabled         bool
	TrustedProxyIPs []string
}

// ParseTrustedNets parses a mix of bare IPs and CIDR blocks into a uniform
// list of networks (a bare IP becomes a /32 or /128). Unparseable entries
// are skipped; callers that want to log them should pre-validate.
func ParseTrustedNets(entries []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				entry = entry + "/32"
			} else {
				entry = entry + "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

func isTrusted(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the request's client address: the leftmost
// X-Forwarded-For entry when present, otherwise the socket peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware attaches a *User to the request context when cfg.Enabled,
// the immediate peer IP is in the trusted allowlist, and the Remote-User
// header is present. Otherwise the request proceeds anonymously — this
// middleware never rejects a request, it only optionally authenticates one.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	trustedIPs := cfg.TrustedProxyIPs
	if len(trustedIPs) == 0 {
		trustedIPs = DefaultTrustedProxyIPs
	}
	nets := ParseTrustedNets(trustedIPs)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Enabled {
				if user := userFromHeaders(r, nets); user != nil {
					r = r.WithContext(WithUser(r.Context(), user))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFromHeaders(r *http.Request, trustedNets []*net.IPNet) *User {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if !isTrusted(peer, trustedNets) {
		return nil
	}
	username := r.Header.Get(remoteUserHeader)
	if username == "" {
		return nil
	}
	var groups []string
	for _, g := range strings.Split(r.Header.Get(remoteGroupsHeader), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return &User{
		Username:    username,
		Email:       r.Header.Get(remoteEmailHeader),
		Groups:      groups,
		DisplayName: r.Header.Get(remoteNameHeader),
	}
}
