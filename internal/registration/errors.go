package registration

import (
	"errors"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
)

var (
	// ErrMissingToken is returned when a step requires a chain token and none was sent.
	ErrMissingToken = errors.New("registration token is required")
	// ErrInvalidToken covers bad signatures, expiry and out-of-order tokens alike.
	ErrInvalidToken = errors.New("registration token is invalid or expired")
	// ErrVerificationMismatch is returned when the code is absent, expired or wrong.
	ErrVerificationMismatch = errors.New("verification code is invalid or expired")
	// ErrConflict is returned when the email or phone number is already registered.
	ErrConflict = errors.New("user with this email or phone number already exists")
	// ErrReplayed is returned when a registration chain was already committed.
	ErrReplayed = errors.New("registration was already completed")
)

// ValidationError carries per-field messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// asValidationError converts ozzo validation output into a ValidationError.
// Errors that are not field errors are returned unchanged.
func asValidationError(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(errs))}
	for field, fe := range errs {
		if fe != nil {
			out.Fields[field] = fe.Error()
		}
	}
	return out
}
