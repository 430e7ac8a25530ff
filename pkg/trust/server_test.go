package trust

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postToken(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestServerIssuesCredential(t *testing.T) {
	f := newExchangeFixture(t)
	handler := NewServer(f.exchanger(), nil).Handler()

	body, err := json.Marshal(map[string]string{"assertion": f.assertion(t, nil)})
	require.NoError(t, err)

	rec := postToken(t, handler, string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	var cred Credential
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cred))
	assert.Equal(t, "minted", cred.AccessToken)
	assert.NotEmpty(t, cred.RequestID)
}

func TestServerRejectsEmptyBody(t *testing.T) {
	f := newExchangeFixture(t)
	handler := NewServer(f.exchanger(), nil).Handler()

	rec := postToken(t, handler, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeMalformedAssertion, decodeError(t, rec).Code)
}

func TestServerMapsValidationTo401(t *testing.T) {
	f := newExchangeFixture(t)
	handler := NewServer(f.exchanger(), nil).Handler()

	raw := f.assertion(t, func(c jwt.MapClaims) { c["repository"] = "org/other-app" })
	body, _ := json.Marshal(map[string]string{"assertion": raw})

	rec := postToken(t, handler, string(body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeConditionNotSatisfied, decodeError(t, rec).Code)
}

func TestServerMapsAuthorizationTo403(t *testing.T) {
	f := newExchangeFixture(t)
	f.bindings.Publish(nil, nil)
	handler := NewServer(f.exchanger(), nil).Handler()

	body, _ := json.Marshal(map[string]string{"assertion": f.assertion(t, nil)})
	rec := postToken(t, handler, string(body))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, CodeNoGrantForPrincipal, e.Code)
	assert.False(t, e.Retryable)
}

func TestServerMapsTransientTo503(t *testing.T) {
	f := newExchangeFixture(t)
	f.issuer.failTimes = 100
	handler := NewServer(f.exchanger(WithMaxRetries(1)), nil).Handler()

	body, _ := json.Marshal(map[string]string{"assertion": f.assertion(t, nil)})
	rec := postToken(t, handler, string(body))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	e := decodeError(t, rec)
	assert.Equal(t, CodeUpstreamUnavailable, e.Code)
	assert.True(t, e.Retryable)
}

func TestServerHealthz(t *testing.T) {
	f := newExchangeFixture(t)
	handler := NewServer(f.exchanger(), nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
