package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alertmesh/backend/internal/core"
)

// Identity is what a verified access token proves about the caller. Handlers
// carry it through the request context; permission checks load the full user
// row only when they need the explicit permission list.
type Identity struct {
	UserID   string
	Email    string
	Role     core.Role
	TenantID string
}

// Claims is the access token payload. Registered claims carry subject and
// expiry; the custom fields keep a storage round trip off the read path.
type Claims struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies short-lived access tokens with HS256.
type TokenManager struct {
	secret    []byte
	accessTTL time.Duration

	now func() time.Time
}

func NewTokenManager(secret string, accessTTL time.Duration) *TokenManager {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	return &TokenManager{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// Issue mints an access token for the user.
func (m *TokenManager) Issue(u *core.User) (string, error) {
	now := m.now()
	claims := Claims{
		Email:    u.Email,
		Role:     string(u.Role),
		TenantID: u.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    "alertmesh",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", core.Wrap(core.KindFatal, "access token signing failed", err)
	}
	return signed, nil
}

// Verify parses and validates an access token. Every failure mode maps to
// the same unauthorized error.
func (m *TokenManager) Verify(token string) (*Identity, error) {
	unauthorized := core.E(core.KindUnauthorized, "invalid or expired token")

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, core.Ef(core.KindUnauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		return nil, unauthorized
	}

	return &Identity{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Role:     core.Role(claims.Role),
		TenantID: claims.TenantID,
	}, nil
}
