package auth

import (
    "context"
    "errors"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/google/uuid"

    "github.com/gozle/accounts/internal/identity"
    "github.com/gozle/accounts/internal/tokenstore"
)

const (
    typeAccess  = "access"
    typeRefresh = "refresh"
)

// ErrInvalidToken is returned for malformed, expired, revoked or mistyped tokens.
var ErrInvalidToken = errors.New("invalid token")

// Config holds signing secrets and lifetimes for session tokens.
type Config struct {
    AccessSecret  []byte
    RefreshSecret []byte
    AccessTTL     time.Duration
    RefreshTTL    time.Duration
}

// Claims are the JWT claims of access and refresh tokens.
type Claims struct {
    Type  string `json:"typ"`
    Email string `json:"email,omitempty"`
    jwt.RegisteredClaims
}

// Service issues login sessions for registered users.
type Service struct {
    cfg     Config
    users   identity.Repository
    revoked tokenstore.Set
    now     func() time.Time
}

func NewService(cfg Config, users identity.Repository, revoked tokenstore.Set) *Service {
    return &Service{cfg: cfg, users: users, revoked: revoked, now: time.Now}
}

type TokenPair struct {
    AccessToken  string `json:"access_token"`
    RefreshToken string `json:"refresh_token"`
    ExpiresIn    int64  `json:"expires_in"`
}

// Login issues an access/refresh pair for an authenticated user.
func (s *Service) Login(user identity.User) (TokenPair, error) {
    access, err := s.sign(user.ID, user.Email, typeAccess, s.cfg.AccessSecret, s.cfg.AccessTTL)
    if err != nil {
        return TokenPair{}, err
    }
    refresh, err := s.sign(user.ID, user.Email, typeRefresh, s.cfg.RefreshSecret, s.cfg.RefreshTTL)
    if err != nil {
        return TokenPair{}, err
    }
    return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(s.cfg.AccessTTL.Seconds())}, nil
}

func (s *Service) sign(sub, email, typ string, secret []byte, ttl time.Duration) (string, error) {
    now := s.now()
    claims := Claims{
        Type:  typ,
        Email: email,
        RegisteredClaims: jwt.RegisteredClaims{
            Subject:   sub,
            ID:        uuid.NewString(),
            IssuedAt:  jwt.NewNumericDate(now),
            ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
        },
    }
    return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Service) parse(raw, typ string, secret []byte) (*Claims, error) {
    claims := &Claims{}
    token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
        return secret, nil
    },
        jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
        jwt.WithExpirationRequired(),
        jwt.WithTimeFunc(s.now),
    )
    if err != nil || !token.Valid || claims.Type != typ || claims.Subject == "" {
        return nil, ErrInvalidToken
    }
    return claims, nil
}

// ParseAccess verifies an access token and returns its claims.
func (s *Service) ParseAccess(raw string) (*Claims, error) {
    return s.parse(raw, typeAccess, s.cfg.AccessSecret)
}

func (s *Service) parseRefresh(ctx context.Context, raw string) (*Claims, error) {
    claims, err := s.parse(raw, typeRefresh, s.cfg.RefreshSecret)
    if err != nil {
        return nil, err
    }
    revoked, err := s.revoked.Contains(ctx, claims.ID)
    if err != nil {
        return nil, err
    }
    if revoked {
        return nil, ErrInvalidToken
    }
    return claims, nil
}

// Refresh verifies the refresh token and returns a new access token if valid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
    claims, err := s.parseRefresh(ctx, refreshToken)
    if err != nil {
        return "", 0, err
    }
    user, err := s.users.FindByID(ctx, claims.Subject)
    if err != nil || !user.IsActive {
        return "", 0, ErrInvalidToken
    }
    signed, err := s.sign(user.ID, user.Email, typeAccess, s.cfg.AccessSecret, s.cfg.AccessTTL)
    if err != nil {
        return "", 0, err
    }
    return signed, int64(s.cfg.AccessTTL.Seconds()), nil
}

// Logout revokes the refresh token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
    claims, err := s.parseRefresh(ctx, refreshToken)
    if err != nil {
        return err
    }
    ttl := claims.ExpiresAt.Time.Sub(s.now())
    if ttl <= 0 {
        return nil
    }
    _, err = s.revoked.Claim(ctx, claims.ID, ttl)
    return err
}
