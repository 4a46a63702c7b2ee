package steptoken

import (
	"maps"
	"time"
)

// Registered claim names stamped by the codec.
const (
	ClaimIssuer    = "iss"
	ClaimAudience  = "aud"
	ClaimExpiresAt = "exp"
	ClaimIssuedAt  = "iat"
	ClaimID        = "jti"
)

// Claims is an immutable bag of token claims. Every modifier returns a new
// value; the receiver is never changed.
type Claims struct {
	m map[string]any
}

// NewClaims copies fields into a new Claims value.
func NewClaims(fields map[string]any) Claims {
	return Claims{m: maps.Clone(fields)}
}

// Map returns a copy of the underlying claims.
func (c Claims) Map() map[string]any {
	if c.m == nil {
		return map[string]any{}
	}
	return maps.Clone(c.m)
}

// Get returns the raw claim value.
func (c Claims) Get(key string) (any, bool) {
	v, ok := c.m[key]
	return v, ok
}

// Has reports whether a claim is present and not empty.
func (c Claims) Has(key string) bool {
	v, ok := c.m[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

// String returns the claim as a string, or "" when absent or not a string.
func (c Claims) String(key string) string {
	s, _ := c.m[key].(string)
	return s
}

// Bool returns the claim as a bool, or false when absent or not a bool.
func (c Claims) Bool(key string) bool {
	b, _ := c.m[key].(bool)
	return b
}

// Issuer returns the iss claim.
func (c Claims) Issuer() string {
	return c.String(ClaimIssuer)
}

// ID returns the jti claim.
func (c Claims) ID() string {
	return c.String(ClaimID)
}

// Audience returns the aud claim normalized to a slice. Both the string and
// the list form are accepted.
func (c Claims) Audience() []string {
	switch v := c.m[ClaimAudience].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ExpiresAt returns the exp claim, zero when absent.
func (c Claims) ExpiresAt() time.Time {
	switch v := c.m[ClaimExpiresAt].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	case int:
		return time.Unix(int64(v), 0)
	default:
		return time.Time{}
	}
}

// With returns a copy of c with key set to value.
func (c Claims) With(key string, value any) Claims {
	next := c.Map()
	next[key] = value
	return Claims{m: next}
}

// WithFields returns a copy of c with all fields merged over it.
func (c Claims) WithFields(fields map[string]any) Claims {
	next := c.Map()
	maps.Copy(next, fields)
	return Claims{m: next}
}

// Without returns a copy of c with the given keys removed.
func (c Claims) Without(keys ...string) Claims {
	next := c.Map()
	for _, k := range keys {
		delete(next, k)
	}
	return Claims{m: next}
}
