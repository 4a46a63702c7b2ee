package identity

import (
	"errors"
	"time"
)

// Account types.
const (
	AccountPersonal = "personal"
	AccountChild    = "child"
)

// Genders.
const (
	GenderMale        = "M"
	GenderFemale      = "F"
	GenderUnspecified = "N"
)

var (
	// ErrConflict is returned when a user with the same email or phone number exists.
	ErrConflict = errors.New("user with this email or phone number already exists")
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned when authentication fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is a fully registered account.
type User struct {
	ID           string
	AccountType  string
	Email        string
	Phone        string
	ParentEmail  string
	FirstName    string
	LastName     string
	Birthday     time.Time
	Gender       string
	PasswordHash []byte
	Avatar       string
	Theme        string
	Language     string
	IsActive     bool
	CreatedAt    time.Time
}

// Credentials identify a user by email or phone number.
type Credentials struct {
	Email    string
	Phone    string
	Password string
}
