package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tabulas/app/client/keycloak"
	"tabulas/app/client/kvasir"
	"tabulas/app/client/kvasir/kvasirtest"
	"tabulas/app/config"
	"tabulas/app/service/payload"
	"tabulas/app/service/resolver"
	"tabulas/app/service/sync"

	"github.com/samber/do"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileID = "tabulas:profile/alice/allergies"

type fixture struct {
	svc    *Service
	kvasir *kvasirtest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kvasirServer := kvasirtest.NewServer("alice")
	t.Cleanup(kvasirServer.Close)

	keycloakServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("password") != "alice" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "Invalid user credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token": "token-1"}`))
	}))
	t.Cleanup(keycloakServer.Close)

	di := do.New()
	t.Cleanup(func() { _ = di.Shutdown() })

	do.ProvideValue(di, &config.Config{
		Keycloak: config.Keycloak{
			BaseURL:  keycloakServer.URL,
			Realm:    "quarkus",
			ClientID: "kvasir-ui",
		},
		Kvasir: config.Kvasir{
			BaseURL:     kvasirServer.URL,
			Pod:         "alice",
			BatchSize:   15,
			PollDelayMs: 10,
		},
		Profile: config.Profile{Owner: "alice"},
		Engine:  config.Engine{AutosaveDelayMs: 400},
	})
	do.Provide(di, keycloak.NewClient)
	do.Provide(di, kvasir.NewClient)
	do.Provide(di, resolver.New)
	do.Provide(di, payload.New)
	do.Provide(di, sync.New)
	do.Provide(di, New)

	return &fixture{
		svc:    do.MustInvoke[*Service](di),
		kvasir: kvasirServer,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.svc.app.Test(req, 5000)
	require.NoError(t, err)

	return resp
}

func (f *fixture) login(t *testing.T) {
	t.Helper()

	resp := f.request(t, http.MethodPost, "/api/login",
		map[string]string{"username": "alice", "password": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/login",
		map[string]string{"username": "alice", "password": "wrong"})

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "Invalid username or password.", body["error"])
}

func TestLoginRequiresFields(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/login",
		map[string]string{"username": "alice"})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProfileRequiresSession(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetProfileLoadsOnDemand(t *testing.T) {
	f := newFixture(t)

	f.kvasir.SetEdges(profileID, "tabulas:allergies", map[string]any{"@id": "ref-milk"})
	f.kvasir.SetEdges("ref-milk", "tabulas:allergenCode", map[string]any{"@value": "milk"})

	f.login(t)

	resp := f.request(t, http.MethodGet, "/api/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "ready", body["state"])

	prof := body["profile"].(map[string]any)
	assert.Equal(t, []any{"milk"}, prof["allergies"])
}

func TestGetProfileRetriesAfterTransientFailure(t *testing.T) {
	f := newFixture(t)

	f.kvasir.SetEdges(profileID, "tabulas:allergies", map[string]any{"@id": "ref-milk"})
	f.kvasir.SetEdges("ref-milk", "tabulas:allergenCode", map[string]any{"@value": "milk"})

	f.login(t)

	// Both category edge queries hit the profile resource.
	f.kvasir.FailQueriesFor(profileID, 2)

	resp := f.request(t, http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// The backend recovered; the next request re-runs the load without a
	// new session.
	resp = f.request(t, http.MethodGet, "/api/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "ready", body["state"])
}

func TestGetProfileExpiredTokenEndsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	f.kvasir.SetUnauthorized(true)

	resp := f.request(t, http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The credential was invalidated; the session is gone for good.
	f.kvasir.SetUnauthorized(false)
	resp = f.request(t, http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPutProfileValidatesCodes(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	resp := f.request(t, http.MethodPut, "/api/profile",
		map[string]any{"allergies": []string{"plutonium"}})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPutThenSaveFlushesPending(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	resp := f.request(t, http.MethodPut, "/api/profile",
		map[string]any{"allergies": []string{"milk"}, "intolerances": []string{"lactose"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/api/profile/save", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "ready", body["state"])

	require.Len(t, f.kvasir.Changes(), 1)
}

func TestWipeEndpoint(t *testing.T) {
	f := newFixture(t)

	f.kvasir.SetEdges(profileID, "tabulas:allergies", map[string]any{"@id": "ref-milk"})
	f.kvasir.SetEdges("ref-milk", "tabulas:allergenCode", map[string]any{"@value": "milk"})
	f.kvasir.ApplyInserts()

	f.login(t)

	resp := f.request(t, http.MethodDelete, "/api/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	changes := f.kvasir.Changes()
	require.Len(t, changes, 1)
	assert.Contains(t, changes[0], "kss:delete")
}

func TestVocabEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/api/vocab", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Len(t, body["allergies"], 14)
	assert.Len(t, body["intolerances"], 6)
}

func TestLogoutDropsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	resp := f.request(t, http.MethodPost, "/api/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
