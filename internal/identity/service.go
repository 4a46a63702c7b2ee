package identity

import (
    "context"
    "errors"
    "strings"

    "golang.org/x/crypto/bcrypt"
)

// Service manages identity lookups and credential checks.
type Service struct {
    repo Repository
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
    return &Service{repo: repo}
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) ([]byte, error) {
    return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Authenticate verifies credentials given either an email or a phone number.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
    var (
        user User
        err  error
    )
    switch {
    case strings.TrimSpace(creds.Email) != "":
        user, err = s.repo.FindByEmail(ctx, strings.TrimSpace(creds.Email))
    case strings.TrimSpace(creds.Phone) != "":
        user, err = s.repo.FindByPhone(ctx, strings.TrimSpace(creds.Phone))
    default:
        return User{}, ErrInvalidCredentials
    }
    if err != nil {
        if errors.Is(err, ErrNotFound) {
            return User{}, ErrInvalidCredentials
        }
        return User{}, err
    }

    if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(creds.Password)); err != nil {
        return User{}, ErrInvalidCredentials
    }
    if !user.IsActive {
        return User{}, ErrInvalidCredentials
    }

    return user, nil
}

// Get returns the user with the given id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
    return s.repo.FindByID(ctx, id)
}
