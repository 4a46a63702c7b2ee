// Package steptoken signs and verifies the short-lived tokens that carry
// registration state between HTTP steps.
package steptoken

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenInvalid is returned for every decode failure: bad signature,
// malformed input, expiry, or an issuer/audience mismatch. Callers cannot
// tell these apart.
var ErrTokenInvalid = errors.New("token is invalid or expired")

// Codec encodes claims into HS256 JWTs and decodes them back.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// Option customizes a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for exp/iat and validation.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec builds a codec signing with secret; ttl is the default lifetime
// used by Encode.
func NewCodec(secret []byte, ttl time.Duration, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	c := &Codec{secret: secret, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	)
	return c, nil
}

// TTL returns the default token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Encode signs claims with the default lifetime.
func (c *Codec) Encode(claims Claims) (string, error) {
	return c.EncodeTTL(claims, c.ttl)
}

// EncodeTTL signs claims, stamping exp, iat and a fresh jti. exp is rounded
// up to the next whole second so it is never earlier than now+ttl.
func (c *Codec) EncodeTTL(claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := c.now()
	exp := now.Add(ttl)
	if exp.Truncate(time.Second) != exp {
		exp = exp.Truncate(time.Second).Add(time.Second)
	}

	payload := jwt.MapClaims(claims.Map())
	payload[ClaimExpiresAt] = exp.Unix()
	payload[ClaimIssuedAt] = now.Unix()
	payload[ClaimID] = uuid.NewString()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString(c.secret)
}

// Decode verifies the signature and expiry of raw and returns its claims.
func (c *Codec) Decode(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrTokenInvalid
	}
	token, err := c.parser.Parse(raw, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrTokenInvalid
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrTokenInvalid
	}
	return NewClaims(mc), nil
}

// DecodeWithIssuer decodes raw and asserts that it was issued by one of
// issuers and, when audience is non-empty, that audience is among its aud.
func (c *Codec) DecodeWithIssuer(raw string, issuers []string, audience string) (Claims, error) {
	claims, err := c.Decode(raw)
	if err != nil {
		return Claims{}, err
	}
	if !slices.Contains(issuers, claims.Issuer()) {
		return Claims{}, ErrTokenInvalid
	}
	if audience != "" && !slices.Contains(claims.Audience(), audience) {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}
