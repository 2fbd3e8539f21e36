package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// ErrUnauthenticated marks token and header failures.
var ErrUnauthenticated = errs.New("unauthenticated")

// JWTManager signs and validates HS256 operator tokens.
type JWTManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey, issuer string, ttl time.Duration) *JWTManager {
	if issuer == "" {
		issuer = "diligence"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), issuer: issuer, ttl: ttl, now: time.Now}
}

// Claims are the JWT claims of an operator token.
type Claims struct {
	jwt.RegisteredClaims
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// Issue signs a token for subject. Scopes default to the role's scopes.
func (j *JWTManager) Issue(subject, role string, scopes ...string) (string, error) {
	if subject == "" {
		return "", errs.Invalid("token subject is required")
	}
	if len(scopes) == 0 {
		scopes = ScopesForRole(role)
	}
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			ID:        uuid.New().String(),
		},
		Role:   role,
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.signingKey)
	if err != nil {
		return "", errs.Wrap(err, "sign token")
	}
	return signed, nil
}

// Validate parses a token and returns its operator.
func (j *JWTManager) Validate(tokenString string) (*Operator, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return j.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, errs.Mark(errs.Wrap(err, "parse token"), ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, errs.Mark(errs.New("token without subject"), ErrUnauthenticated)
	}
	return &Operator{
		Subject: claims.Subject,
		Role:    claims.Role,
		Scopes:  claims.Scopes,
		TokenID: claims.ID,
	}, nil
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " || authHeader[7:] == "" {
		return "", errs.Mark(errs.New("invalid authorization header format"), ErrUnauthenticated)
	}
	return authHeader[7:], nil
}
