// Package auth issues and verifies the broker's JWT access and refresh
// tokens and tracks token revocation across an in-memory map, a signed
// pub/sub channel, and a durable table.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the typ claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenSignature = errors.New("bad token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims is the token payload: uid/sid/typ on top of the registered
// claim set.
type Claims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// IssuedAtMs is the issue instant in unix milliseconds, the unit the
// revocation watermark compares against. A token without iat reads as
// 0 and loses against every watermark.
func (c *Claims) IssuedAtMs() int64 {
	if c.IssuedAt == nil {
		return 0
	}
	return c.IssuedAt.UnixMilli()
}

// Issuer signs tokens with the broker's shared secret.
type Issuer struct {
	secret []byte
}

// NewIssuer wraps the raw secret string from config.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue creates an HS256-signed token of the given type valid for ttl.
func (i *Issuer) Issue(userID, sessionID, typ string, ttl time.Duration) (string, Claims, error) {
	now := time.Now()
	c := Claims{
		UserID:    userID,
		SessionID: sessionID,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	return tok, c, err
}

// Verify validates signature and expiry and optionally pins the token
// type. Revocation is the Revoker's job, not Verify's.
func (i *Issuer) Verify(token, wantType string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenSignature
		}
		return i.secret, nil
	}, jwt.WithIssuedAt(), jwt.WithExpirationRequired())
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrTokenSignature
	default:
		return nil, ErrTokenMalformed
	}
	if wantType != "" && c.Type != wantType {
		return nil, ErrWrongTokenType
	}
	return &c, nil
}
