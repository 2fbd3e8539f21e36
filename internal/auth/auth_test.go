package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

func TestIssueAndValidate(t *testing.T) {
	j := NewJWTManager("secret", "diligence", time.Hour)
	token, err := j.Issue("analyst@fund", RoleOperator)
	require.NoError(t, err)

	op, err := j.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "analyst@fund", op.Subject)
	assert.Equal(t, RoleOperator, op.Role)
	assert.True(t, op.HasScope(ScopeInterventionsWrite))
	assert.False(t, op.HasScope(ScopeAlertsWrite))
	assert.NotEmpty(t, op.TokenID)

	_, err = j.Issue("", RoleAdmin)
	assert.True(t, errs.IsInvalid(err))
}

func TestValidateRejects(t *testing.T) {
	j := NewJWTManager("secret", "diligence", time.Hour)
	token, err := j.Issue("analyst", RoleViewer)
	require.NoError(t, err)

	_, err = NewJWTManager("other", "diligence", time.Hour).Validate(token)
	assert.True(t, errs.Is(err, ErrUnauthenticated))

	_, err = NewJWTManager("secret", "someone-else", time.Hour).Validate(token)
	assert.True(t, errs.Is(err, ErrUnauthenticated))

	expired := NewJWTManager("secret", "diligence", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue("analyst", RoleViewer)
	require.NoError(t, err)
	_, err = j.Validate(old)
	assert.True(t, errs.Is(err, ErrUnauthenticated))
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer ", "Basic abc", "bearer abc"} {
		_, err := ExtractBearerToken(h)
		assert.Error(t, err, h)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	j := NewJWTManager("secret", "diligence", time.Hour)
	m := NewMiddleware(j, zaptest.NewLogger(t))

	var seen *Operator
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/interventions", RequireScope(ScopeInterventionsWrite, func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /v1/stream/ws", func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := m.HTTPMiddleware(mux)

	do := func(method, target, token string) int {
		req := httptest.NewRequest(method, target, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/v1/interventions", ""))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/v1/interventions", "garbage"))

	viewer, err := j.Issue("viewer", RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/v1/interventions", viewer))

	operator, err := j.Issue("op", RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/v1/interventions", operator))
	require.NotNil(t, seen)
	assert.Equal(t, "op", seen.Subject)

	seen = nil
	assert.Equal(t, http.StatusNoContent, do(http.MethodGet, "/v1/stream/ws?token="+viewer, ""))
	require.NotNil(t, seen)
	assert.Equal(t, "viewer", seen.Subject)
}

func TestDisabledMiddlewareUsesLocalOperator(t *testing.T) {
	m := NewMiddleware(nil, nil)
	assert.False(t, m.Enabled())

	var seen *Operator
	h := m.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/alerts", nil))
	assert.Equal(t, LocalOperator, seen)
}
