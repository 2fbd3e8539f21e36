package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey struct{}

// Middleware authenticates admin API requests with bearer JWTs. Without a
// JWT manager every request runs as the local operator.
type Middleware struct {
	jwt    *JWTManager
	logger *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwt *JWTManager, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwt: jwt, logger: logger}
}

// LocalOperator is used when authentication is disabled.
var LocalOperator = &Operator{Subject: "local", Role: RoleAdmin, Scopes: ScopesForRole(RoleAdmin)}

// Enabled reports whether tokens are checked.
func (m *Middleware) Enabled() bool { return m.jwt != nil }

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.jwt == nil {
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), LocalOperator)))
			return
		}

		var token string
		if h := r.Header.Get("Authorization"); h != "" {
			t, err := ExtractBearerToken(h)
			if err != nil {
				unauthorized(w, "invalid authorization header")
				return
			}
			token = t
		} else if strings.HasPrefix(r.URL.Path, "/v1/stream/") {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			unauthorized(w, "bearer token is required")
			return
		}

		op, err := m.jwt.Validate(token)
		if err != nil {
			m.logger.Debug("Rejected admin token", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

// RequireScope wraps h so it only runs for operators holding scope.
func RequireScope(scope string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := FromContext(r.Context())
		if op == nil {
			unauthorized(w, "missing operator")
			return
		}
		if !op.HasScope(scope) {
			writeError(w, http.StatusForbidden, "missing required scope: "+scope)
			return
		}
		h(w, r)
	}
}

// WithOperator stores op in ctx.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

// FromContext returns the operator stored by the middleware, or nil.
func FromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(contextKey{}).(*Operator)
	return op
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="diligence"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
