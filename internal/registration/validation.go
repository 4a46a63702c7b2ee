package registration

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"

	"github.com/gozle/accounts/internal/identity"
)

const (
	birthdayLayout = "2006-01-02"
	maxNameRunes   = 40
)

var namePattern = regexp.MustCompile(`^[\p{L} ]+$`)

// AccountTypeInput is the body of the account type step.
type AccountTypeInput struct {
	AccountType string `json:"account_type"`
}

func (in *AccountTypeInput) normalize() {
	in.AccountType = strings.ToLower(strings.TrimSpace(in.AccountType))
	if in.AccountType == "" {
		in.AccountType = identity.AccountPersonal
	}
}

// Validate checks the account type.
func (in AccountTypeInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.AccountType,
			validation.Required,
			validation.In(identity.AccountPersonal, identity.AccountChild).Error("must be personal or child"),
		),
	)
}

// PhoneNumberInput is the body of the phone number step.
type PhoneNumberInput struct {
	PhoneNumber string `json:"phone_number"`
}

// ParentEmailInput is the body of the parent email step.
type ParentEmailInput struct {
	Email string `json:"email"`
}

// Validate checks the parent email.
func (in ParentEmailInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254), is.Email),
	)
}

// Code is a verification code sent either as a JSON number or a numeric string.
type Code string

// UnmarshalJSON accepts 12345 and "12345".
func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*c = Code(strings.TrimSpace(s))
		return nil
	}
	*c = Code(b)
	return nil
}

// Int returns the numeric value of the code.
func (c Code) Int() (int, error) {
	return strconv.Atoi(string(c))
}

// VerificationInput is the body of the verification step. PhoneNumber and
// Email are optional and must name the identifier the code was sent to.
type VerificationInput struct {
	Code        Code   `json:"code"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

// Validate checks the code range.
func (in VerificationInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Code, validation.Required, validation.By(func(value interface{}) error {
			n, err := value.(Code).Int()
			if err != nil || n < MinCode || n > MaxCode {
				return errors.New("must be a 5 digit number")
			}
			return nil
		})),
		validation.Field(&in.Email, is.Email),
	)
}

// ProfileNameInput is the body of the profile name step.
type ProfileNameInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (in *ProfileNameInput) normalize() {
	in.FirstName = strings.Join(strings.Fields(in.FirstName), " ")
	in.LastName = strings.Join(strings.Fields(in.LastName), " ")
}

// Validate checks both names.
func (in ProfileNameInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FirstName, validation.Required, validation.By(nameRule)),
		validation.Field(&in.LastName, validation.By(nameRule)),
	)
}

func nameRule(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) > maxNameRunes {
		return errors.New("must be at most 40 characters")
	}
	if !namePattern.MatchString(s) {
		return errors.New("may contain only letters and spaces")
	}
	return nil
}

// ProfileMetadataInput is the body of the profile metadata step.
type ProfileMetadataInput struct {
	Birthday string `json:"birthday"`
	Gender   string `json:"gender"`
}

func (in *ProfileMetadataInput) normalize() {
	in.Birthday = strings.TrimSpace(in.Birthday)
	in.Gender = strings.ToUpper(strings.TrimSpace(in.Gender))
	if in.Gender == "" {
		in.Gender = identity.GenderUnspecified
	}
}

func (in ProfileMetadataInput) validate(now time.Time) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Birthday,
			validation.Required,
			validation.Date(birthdayLayout).Error("must be a date in YYYY-MM-DD format"),
			validation.By(func(value interface{}) error {
				d, err := time.Parse(birthdayLayout, value.(string))
				if err == nil && d.After(now) {
					return errors.New("must not be in the future")
				}
				return nil
			}),
		),
		validation.Field(&in.Gender,
			validation.Required,
			validation.In(identity.GenderMale, identity.GenderFemale, identity.GenderUnspecified).Error("must be M, F or N"),
		),
	)
}

// EmailInput is the body of the email step.
type EmailInput struct {
	Email string `json:"email"`
}

func (in *EmailInput) normalize() {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
}

// Validate checks the email syntax.
func (in EmailInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254), is.Email),
	)
}

// PasswordInput is the body of the password step.
type PasswordInput struct {
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// maxPasswordBytes is the longest input bcrypt accepts.
const maxPasswordBytes = 72

// Validate checks the length policy and that both fields match. Length is
// counted in characters; the encoded form must also fit bcrypt's limit.
func (in PasswordInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Password,
			validation.Required,
			validation.RuneLength(8, 50),
			validation.By(fitsBcrypt),
			validation.By(func(value interface{}) error {
				if value.(string) != in.PasswordConfirmation {
					return errors.New("passwords don't match")
				}
				return nil
			}),
		),
		validation.Field(&in.PasswordConfirmation, validation.Required, validation.RuneLength(8, 50)),
	)
}

func fitsBcrypt(value interface{}) error {
	if s, _ := value.(string); len(s) > maxPasswordBytes {
		return errors.New("is too long")
	}
	return nil
}

// normalizePhone parses raw in region and returns it in E.164 form.
func normalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fieldError("phone_number", "cannot be blank")
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", fieldError("phone_number", "must be a valid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
