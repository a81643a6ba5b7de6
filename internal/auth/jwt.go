package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tom/gateway/internal/nonce"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenClaims  = errors.New("missing required claims")
	ErrTokenTTL     = errors.New("token ttl too long")
	ErrTokenStale   = errors.New("token issued too long ago")
	ErrTokenCallID  = errors.New("call id mismatch")
	ErrTokenReplay  = errors.New("nonce already used")
)

// Claims is the token contract for gateway connections. All fields are
// mandatory; tokens are minted per call by the telephony leg.
type Claims struct {
	CallID string `json:"call_id"`
	Nonce  string `json:"nonce"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 call tokens and enforces single-use nonces.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	maxTTL   time.Duration
	nonceTTL time.Duration
	nonces   nonce.Store
}

func NewVerifier(secret, issuer, audience string, maxTTL, nonceTTL time.Duration, nonces nonce.Store) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		maxTTL:   maxTTL,
		nonceTTL: nonceTTL,
		nonces:   nonces,
	}, nil
}

// Verify parses and checks a token for the given call. Signature, issuer,
// audience and expiry are checked by the parser; the short-TTL window and
// the nonce are checked here.
func (v *Verifier) Verify(ctx context.Context, tokenString, expectCallID string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.CallID == "" || claims.Nonce == "" || claims.IssuedAt == nil {
		return nil, ErrTokenClaims
	}
	if claims.CallID != expectCallID {
		return nil, ErrTokenCallID
	}

	iat := claims.IssuedAt.Time
	exp := claims.ExpiresAt.Time
	if exp.Sub(iat) > v.maxTTL {
		return nil, ErrTokenTTL
	}
	if time.Since(iat) > v.maxTTL {
		return nil, ErrTokenStale
	}

	ok, err := v.nonces.SetIfAbsent(ctx, claims.Nonce, v.nonceTTL)
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	if !ok {
		return nil, ErrTokenReplay
	}
	return claims, nil
}

// Mint creates a short-lived token for a call. Used by the synthetic call
// client and tests; production tokens come from the telephony leg.
func Mint(secret, issuer, audience, callID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		CallID: callID,
		Nonce:  uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
