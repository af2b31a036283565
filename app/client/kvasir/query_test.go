package kvasir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"tabulas/app/config"

	"github.com/samber/do"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	di := do.New()
	t.Cleanup(func() { _ = di.Shutdown() })

	do.ProvideValue(di, &config.Config{
		Kvasir: config.Kvasir{
			BaseURL:     baseURL,
			Pod:         "alice",
			BatchSize:   15,
			PollDelayMs: 10,
		},
		Profile: config.Profile{Owner: "alice"},
	})

	client, err := NewClient(di)
	require.NoError(t, err)

	return client
}

func TestRunQueryUnwrapsEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alice/query", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req, "@context")
		assert.Equal(t, "{ Resource(id: \"x\") { id } }", req["query"])

		_, _ = w.Write([]byte(`{"data": {"Resource": [{"id": "x"}]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	rows, err := client.RunQuery(context.Background(), "token-1", `{ Resource(id: "x") { id } }`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "x", rows[0].ID)
}

func TestRunQueryMissingResourceDefaultsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	rows, err := client.RunQuery(context.Background(), "t", "{}")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunQueryErrorCarriesBoundedBody(t *testing.T) {
	longBody := strings.Repeat("x", 2000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, longBody, http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.RunQuery(context.Background(), "t", "{}")

	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, http.StatusBadGateway, queryErr.Status)
	assert.Len(t, queryErr.Body, 500)
	assert.False(t, queryErr.Unauthorized())
}

func TestRunQueryErrorExcerptKeepsRunesIntact(t *testing.T) {
	// 600 two-byte runes: a byte-indexed cut at 500 would land inside one.
	longBody := strings.Repeat("é", 600)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, longBody, http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.RunQuery(context.Background(), "t", "{}")

	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.True(t, utf8.ValidString(queryErr.Body))
	assert.Equal(t, 500, utf8.RuneCountInString(queryErr.Body))
}

func TestRunQueryUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "token verification failed", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.RunQuery(context.Background(), "stale", "{}")

	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.True(t, queryErr.Unauthorized())
}
