package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardline/phonesystem/internal/phone_service/personas"
	"github.com/boardline/phonesystem/internal/phone_service/transport/middleware"
)

const testSecret = "test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func personaTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := testLogger()
	handler := NewPersonaHandler(personas.NewAccessManager(logger), validator.New(), logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Group(func(protected chi.Router) {
		protected.Use(middleware.AuthMiddleware(testSecret, logger))
		handler.RegisterRoutes(protected)
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func doRequest(t *testing.T, server *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPersonaRoutes_RequireAuth(t *testing.T) {
	server := personaTestServer(t)

	resp := doRequest(t, server, http.MethodGet, "/personas", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "t"}).
		SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	resp = doRequest(t, server, http.MethodGet, "/personas", badToken, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A valid token without tenant context is refused outright.
	noTenant := signToken(t, jwt.MapClaims{"sub": "user-1"})
	resp = doRequest(t, server, http.MethodGet, "/personas", noTenant, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPersonaRoutes_EnsureListGet(t *testing.T) {
	server := personaTestServer(t)
	acme := signToken(t, jwt.MapClaims{"tenant_id": "tenant-acme", "sub": "user-1"})
	globex := signToken(t, jwt.MapClaims{"tenant_id": "tenant-globex", "sub": "user-2"})

	resp := doRequest(t, server, http.MethodPost, "/personas/ensure", acme, `{"role":"CFO"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created PersonaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.DisplayName)

	// Ensure is idempotent.
	resp = doRequest(t, server, http.MethodPost, "/personas/ensure", acme, `{"role":"CFO"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again PersonaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	assert.Equal(t, created.ID, again.ID)

	resp = doRequest(t, server, http.MethodGet, "/personas/CFO", acme, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Another tenant cannot see acme's persona.
	resp = doRequest(t, server, http.MethodGet, "/personas/CFO", globex, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, server, http.MethodGet, "/personas", globex, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []PersonaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list)
}

func TestPersonaRoutes_Validation(t *testing.T) {
	server := personaTestServer(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "tenant-acme"})

	resp := doRequest(t, server, http.MethodPost, "/personas/ensure", token, `{"role":"CEO"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/personas/ensure", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/personas/ensure", token, `not-json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, server, http.MethodGet, "/personas/INTERN", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
