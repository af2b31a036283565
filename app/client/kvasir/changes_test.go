package kvasir

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRequiresCreated(t *testing.T) {
	// The store's success code is specific: a generic 200 means the
	// change was not accepted.
	for _, status := range []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusBadRequest, http.StatusInternalServerError} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		client := newTestClient(t, server.URL)

		_, err := client.Submit(context.Background(), "t", Document{"kss:insert": []any{}})

		var changeErr *ChangeError
		require.ErrorAs(t, err, &changeErr, "status %d must fail", status)
		assert.Equal(t, status, changeErr.Status)

		server.Close()
	}
}

func TestSubmitAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alice/changes", r.URL.Path)
		assert.Equal(t, "application/ld+json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	receipt, err := client.Submit(context.Background(), "t", Document{"kss:insert": []any{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, receipt.Status)
	assert.Empty(t, receipt.Location)
}

func TestSubmitPollsStatusResource(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/alice/changes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", server.URL+"/alice/changes/abc")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/alice/changes/abc", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		assert.Equal(t, "application/ld+json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"kss:resultCode": "COMMITTED", "kss:nrOfInserts": 3}`))
	})

	client := newTestClient(t, server.URL)

	receipt, err := client.Submit(context.Background(), "t", Document{"kss:insert": []any{}})
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/alice/changes/abc", receipt.Location)

	// Submit returns before the poll fires; the poll is a side effect.
	assert.Equal(t, int32(0), polls.Load())

	assert.Eventually(t, func() bool {
		return polls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitStatusPollFailureIsNotSurfaced(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	var polls atomic.Int32

	mux.HandleFunc("/alice/changes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", server.URL+"/alice/changes/abc")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/alice/changes/abc", func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		http.Error(w, "not found", http.StatusNotFound)
	})

	client := newTestClient(t, server.URL)

	// The save already succeeded by HTTP contract; a missing status
	// resource must never turn it into a failure.
	_, err := client.Submit(context.Background(), "t", Document{"kss:insert": []any{}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return polls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitReadsStatusEntryFallback(t *testing.T) {
	status := map[string]any{
		"statusEntry": []any{
			map[string]any{"statusCode": "RECEIVED"},
			map[string]any{"statusCode": "COMMITTED"},
		},
	}

	last := lastStatusEntry(status)
	require.NotNil(t, last)
	assert.Equal(t, "COMMITTED", firstOf(last, "kss:statusCode", "statusCode"))
}
