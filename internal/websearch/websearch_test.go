package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchFormatsResultsAsContextBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("X-Subscription-Token"))
		require.Equal(t, "go generics", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web":{"results":[{"title":"Generics in Go","url":"https://go.dev/doc/tutorial/generics","description":"A tutorial"}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	out, err := c.Search(context.Background(), "go generics")
	require.NoError(t, err)
	require.Contains(t, out, "Generics in Go")
	require.Contains(t, out, "https://go.dev/doc/tutorial/generics")
}

func TestSearchReturnsEmptyOnNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web":{"results":[]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	out, err := c.Search(context.Background(), "nonsense")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSearchReturnsErrorOnUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.Search(context.Background(), "x")
	require.Error(t, err)
}

func TestNoOpAlwaysReturnsEmptyContext(t *testing.T) {
	var ns NoOp
	out, err := ns.Search(context.Background(), "anything")
	require.NoError(t, err)
	require.Empty(t, out)
}
