// Package auth issues and verifies the signed tokens that let a client join
// rooms under a registered account identity. Tokens are optional: a client
// that joins without one is treated as a guest whose identity lives only as
// long as the connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails signature or claims
// validation for any reason.
var ErrInvalidToken = errors.New("auth: invalid token")

// DefaultTokenTTL is how long issued tokens remain valid.
const DefaultTokenTTL = 24 * time.Hour

// Claims is the payload carried by an account token.
type Claims struct {
	Name      string `json:"name"`
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies account tokens with an HMAC-SHA256 secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. The secret must be non-empty; the
// server refuses to start token verification with a blank key.
func NewTokenIssuer(secret string, issuer string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	return &TokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    DefaultTokenTTL,
	}, nil
}

// Issue creates a signed token binding the display name to an account ID.
func (t *TokenIssuer) Issue(name, accountID string) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:      name,
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// IssueFor looks up the account in the store and issues a token carrying its
// canonical display name. Returns ErrAccountNotFound for unknown IDs.
func (t *TokenIssuer) IssueFor(ctx context.Context, store AccountStore, accountID string) (string, error) {
	account, err := store.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	return t.Issue(account.Name, account.ID)
}

// Verify parses and validates a token, returning its claims. Expired tokens,
// bad signatures, and tokens signed with a different algorithm all yield
// ErrInvalidToken.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.AccountID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
