package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallerClaims are the JWT claims accepted by the settlement API. The subject
// is the caller account.
type CallerClaims struct {
	jwt.RegisteredClaims
}

// TokenManager issues and validates HS256 caller tokens.
type TokenManager struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

func NewTokenManager(secret []byte, issuer string) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, errors.New("identity: token secret must be at least 32 bytes")
	}
	return &TokenManager{secret: secret, issuer: issuer, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// Issue signs a token for account valid for ttl.
func (tm *TokenManager) Issue(account Account, ttl time.Duration) (string, error) {
	now := tm.clock().UTC()
	claims := CallerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(account),
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Validate parses a token and returns the caller account it names.
func (tm *TokenManager) Validate(tokenString string) (Account, error) {
	claims := &CallerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return tm.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithTimeFunc(tm.clock),
	)
	if err != nil {
		return "", fmt.Errorf("identity: token validation failed: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("identity: token has no subject")
	}
	return Account(claims.Subject), nil
}
