package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keyline-id/keyline/internal/platform/httpx"
)

// Token verification failures, classified so callers can tell a terminal
// failure (malformed, bad signature) from an expired-but-well-formed token.
var (
	ErrTokenExpired = fmt.Errorf("token expired: %w", httpx.ErrUnauthorized)
	ErrTokenInvalid = fmt.Errorf("token invalid: %w", httpx.ErrUnauthorized)
)

// Claims are the statements carried inside a bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Role  Role `json:"role"`
	Epoch int  `json:"epoch"`
}

// AccountID returns the subject claim parsed as an account id.
func (c *Claims) AccountID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	return id, nil
}

// TokenIssuer mints and verifies self-contained HS256 bearer tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with the given signing secret and
// token lifetime.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint produces a signed token for the account. The epoch pins the token to
// the account's current credential generation.
func (i *TokenIssuer) Mint(accountID uuid.UUID, role Role, epoch int) (string, error) {
	now := i.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Role:  role,
		Epoch: epoch,
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the decoded claims.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
