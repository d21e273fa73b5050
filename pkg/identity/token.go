package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/weftlabs/weft/core/pkg/contracts"
)

// Claims are the JWT claims the core accepts. The tenant binding is
// mandatory; a token without one is rejected regardless of signature.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// Identity maps the claims onto the caller identity the core scopes by.
func (c *Claims) Identity() contracts.Identity {
	return contracts.Identity{
		TenantID: c.TenantID,
		UserID:   c.Subject,
		Roles:    c.Roles,
	}
}

const (
	issuer   = "weft/identity"
	audience = "weft.core"
)

// TokenManager issues and validates bearer tokens.
type TokenManager struct {
	keySet KeySet
	clock  func() time.Time
}

// NewTokenManager creates a manager over ks.
func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// Issue creates a signed token for id, valid for duration.
func (tm *TokenManager) Issue(ctx context.Context, id contracts.Identity, duration time.Duration) (string, error) {
	if !id.Valid() {
		return "", contracts.Validationf("identity requires a tenant")
	}

	now := tm.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
		},
		TenantID: id.TenantID,
		Roles:    id.Roles,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses and verifies a token string and returns its claims.
// Expired, malformed, or tenant-less tokens fail with ErrAuthorization.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, tm.keySet.KeyFunc(),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(func() time.Time { return tm.clock() }),
	)
	if err != nil {
		return nil, contracts.Authorizationf("token validation failed: %v", err)
	}
	if !token.Valid {
		return nil, contracts.Authorizationf("invalid token")
	}
	if claims.TenantID == "" {
		return nil, contracts.Authorizationf("token missing tenant binding")
	}
	if claims.Subject == "" {
		return nil, contracts.Authorizationf("token missing subject")
	}
	return claims, nil
}
