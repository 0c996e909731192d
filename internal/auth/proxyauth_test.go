package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMiddlewareAcceptsHeadersFromTrustedPeer(t *testing.T) {
	var got *User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CurrentUser(r.Context())
	})
	h := Middleware(Config{Enabled: true})(next)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("Remote-User", "alice")
	r.Header.Set("Remote-Email", "alice@example.com")
	r.Header.Set("Remote-Groups", "admins, users")
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, got)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, "alice@example.com", got.Email)
	require.Equal(t, []string{"admins", "users"}, got.Groups)
}

func TestMiddlewareIgnoresHeadersFromUntrustedPeer(t *testing.T) {
	var got *User
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = CurrentUser(r.Context())
	})
	h := Middleware(Config{Enabled: true})(next)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:5555"
	r.Header.Set("Remote-User", "mallory")
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.False(t, ok)
	require.Nil(t, got)
}

func TestMiddlewareNoopWhenDisabled(t *testing.T) {
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = CurrentUser(r.Context())
	})
	h := Middleware(Config{Enabled: false})(next)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("Remote-User", "alice")
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.False(t, ok)
}

func TestClientIPPrefersLeftmostForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	require.Equal(t, "198.51.100.7", ClientIP(r))
}

func TestClientIPFallsBackToSocketPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.9:1234"
	require.Equal(t, "198.51.100.9", ClientIP(r))
}

func TestParseTrustedNetsAcceptsBareIPsAndCIDRs(t *testing.T) {
	nets := ParseTrustedNets([]string{"127.0.0.1", "10.0.0.0/8", "not-an-ip"})
	require.Len(t, nets, 2)
}
