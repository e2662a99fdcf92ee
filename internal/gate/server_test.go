package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-trading-engine/internal/ledger"
)

var adminTestSecret = []byte("admin-test-secret")

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(adminTestSecret)
	require.NoError(t, err)
	return token
}

func do(s *Server, method, path, body, bearer string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHeartbeatEndpoint(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	s := NewServer(g, adminTestSecret, zerolog.Nop())

	w := do(s, http.MethodPost, "/v1/heartbeat", `{"state":{"regime":"TRENDING"}}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", decode(t, w)["status"])
	assert.Equal(t, fixedNow, g.lastHeartbeat)
}

func TestAdminEndpointsRequireBearerToken(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	s := NewServer(g, adminTestSecret, zerolog.Nop())

	w := do(s, http.MethodPost, "/v1/admin/lock", `{"reason":"ops hold"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, g.locked)

	w = do(s, http.MethodPost, "/v1/admin/lock", `{"reason":"ops hold"}`, adminToken(t))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, ledger.SystemLocked, resp["status"])
	assert.Equal(t, "ops hold", resp["reason"])
	assert.True(t, g.locked)

	w = do(s, http.MethodPost, "/v1/admin/unlock", "", adminToken(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ledger.SystemNormal, decode(t, w)["status"])
	assert.False(t, g.locked)
}

func TestCalendarEndpointValidatesDates(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	s := NewServer(g, adminTestSecret, zerolog.Nop())

	w := do(s, http.MethodPost, "/v1/admin/calendar", `{"dates":["2026-03-18","not-a-date"]}`, adminToken(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, http.MethodPost, "/v1/admin/calendar", `{"dates":["2026-03-18"]}`, adminToken(t))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "OK", resp["status"])
	assert.Equal(t, float64(1), resp["count"])
	assert.True(t, g.restricted["2026-03-18"])
}
