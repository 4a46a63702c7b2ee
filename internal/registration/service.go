// Package registration implements the token-chained sign-up flow. Each step
// consumes a signed token from an allowed predecessor, merges its validated
// input into the claims and hands a new token to the next step.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gozle/accounts/internal/avatar"
	"github.com/gozle/accounts/internal/identity"
	"github.com/gozle/accounts/internal/notification"
	"github.com/gozle/accounts/internal/steptoken"
	"github.com/gozle/accounts/internal/tokenstore"
)

// Claim names carried by step tokens.
const (
	ClaimAccountType         = "account_type"
	ClaimPhoneNumber         = "phone_number"
	ClaimParentEmail         = "parent_email"
	ClaimEmail               = "email"
	ClaimVerified            = "verified"
	ClaimPhoneVerified       = "phone_verified"
	ClaimParentEmailVerified = "parent_email_verified"
	ClaimFirstName           = "first_name"
	ClaimLastName            = "last_name"
	ClaimBirthday            = "birthday"
	ClaimGender              = "gender"
	ClaimPassword            = "password"
	ClaimAvatar              = "avatar"
	ClaimChainID             = "rid"
)

// committedWindow is how long a committed chain id is remembered. Later
// replays are still stopped by the unique email and phone constraints.
const committedWindow = 24 * time.Hour

// Queue accepts notifications for asynchronous delivery.
type Queue interface {
	Enqueue(message notification.Message) error
}

// CommitObserver is told about commit outcomes.
type CommitObserver interface {
	Commit(outcome string)
}

// Config holds the registration settings.
type Config struct {
	Secret      []byte
	TokenTTL    time.Duration
	CodeTTL     time.Duration
	ProjectName string
	EmailDomain string
	PhoneRegion string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Config    Config
	Codes     CodeStore
	Users     identity.Repository
	Committed tokenstore.Set
	Queue     Queue
	Avatars   *avatar.Store
	Observer  CommitObserver
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Service runs the registration steps.
type Service struct {
	cfg       Config
	rules     map[Step]Rule
	codec     *steptoken.Codec
	sealer    *sealer
	codes     CodeStore
	users     identity.Repository
	committed tokenstore.Set
	queue     Queue
	avatars   *avatar.Store
	suggester *Suggester
	observer  CommitObserver
	logger    *slog.Logger
	now       func() time.Time
}

// Accepted is a token that passed the issuer and audience checks of Step.
// It can only be obtained from Service.Authorize.
type Accepted struct {
	step   Step
	claims steptoken.Claims
}

// Step returns the step the token was accepted for.
func (a Accepted) Step() Step { return a.step }

// Claims returns the token claims.
func (a Accepted) Claims() steptoken.Claims { return a.claims }

// Result is the outcome of an intermediate step.
type Result struct {
	Token  string
	Claims steptoken.Claims
}

// Preview is the confirmation data shown before commit.
type Preview struct {
	Token     string
	Email     string
	FirstName string
	LastName  string
	Avatar    string
}

// NewService validates the chain table and wires the collaborators.
func NewService(d Deps) (*Service, error) {
	if err := ValidateTopology(Chain); err != nil {
		return nil, fmt.Errorf("registration chain: %w", err)
	}
	if d.Codes == nil || d.Users == nil || d.Committed == nil || d.Queue == nil || d.Avatars == nil {
		return nil, errors.New("registration: missing dependency")
	}
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	codec, err := steptoken.NewCodec(d.Config.Secret, d.Config.TokenTTL, steptoken.WithClock(now))
	if err != nil {
		return nil, err
	}
	if d.Config.CodeTTL <= 0 {
		return nil, errors.New("registration: code ttl must be positive")
	}
	seal, err := newSealer(d.Config.Secret)
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       d.Config,
		rules:     Chain,
		codec:     codec,
		sealer:    seal,
		codes:     d.Codes,
		users:     d.Users,
		committed: d.Committed,
		queue:     d.Queue,
		avatars:   d.Avatars,
		suggester: NewSuggester(d.Users, d.Config.EmailDomain),
		observer:  d.Observer,
		logger:    logger,
		now:       now,
	}, nil
}

// Authorize checks raw against the allow-list of step. The entry step needs
// no token.
func (s *Service) Authorize(step Step, raw string) (Accepted, error) {
	rule, ok := s.rules[step]
	if !ok {
		return Accepted{}, fmt.Errorf("unknown step %q", step)
	}
	if rule.Entry() {
		return Accepted{step: step, claims: steptoken.NewClaims(nil)}, nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Accepted{}, ErrMissingToken
	}
	claims, err := s.codec.DecodeWithIssuer(raw, stepNames(rule.Accepts), string(rule.Audience))
	if err != nil {
		return Accepted{}, ErrInvalidToken
	}
	return Accepted{step: step, claims: claims}, nil
}

func expect(acc Accepted, step Step) error {
	if acc.step != step {
		return ErrInvalidToken
	}
	return nil
}

func (s *Service) issue(claims steptoken.Claims, ttl time.Duration, step Step, next ...Step) (Result, error) {
	out, err := advance(s.rules, claims, step, next...)
	if err != nil {
		return Result{}, err
	}
	token, err := s.codec.EncodeTTL(out, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("sign step token: %w", err)
	}
	return Result{Token: token, Claims: out}, nil
}

// AccountType starts a chain.
func (s *Service) AccountType(_ context.Context, acc Accepted, in AccountTypeInput) (Result, error) {
	if err := expect(acc, StepAccountType); err != nil {
		return Result{}, err
	}
	in.normalize()
	if err := asValidationError(in.Validate()); err != nil {
		return Result{}, err
	}
	claims := steptoken.NewClaims(map[string]any{
		ClaimAccountType: in.AccountType,
		ClaimChainID:     uuid.NewString(),
	})
	return s.issue(claims, s.cfg.TokenTTL, StepAccountType, StepPhoneNumber, StepParentEmail)
}

// PhoneNumber records the phone number and sends it a verification code.
func (s *Service) PhoneNumber(ctx context.Context, acc Accepted, in PhoneNumberInput) (Result, error) {
	if err := expect(acc, StepPhoneNumber); err != nil {
		return Result{}, err
	}
	phone, err := normalizePhone(in.PhoneNumber, s.cfg.PhoneRegion)
	if err != nil {
		return Result{}, err
	}
	claims := acc.claims
	if claims.String(ClaimAccountType) == identity.AccountChild && !claims.Bool(ClaimParentEmailVerified) {
		return Result{}, fieldError("phone_number", "child accounts must verify a parent email first")
	}

	if err := s.sendCode(ctx, notification.ChannelSMS, phone,
		"", s.cfg.ProjectName+" verification code for registration: "); err != nil {
		return Result{}, err
	}

	verified := claims.Bool(ClaimPhoneVerified) && claims.String(ClaimPhoneNumber) == phone
	claims = claims.WithFields(map[string]any{
		ClaimPhoneNumber:   phone,
		ClaimPhoneVerified: verified,
	})
	return s.issue(claims, s.cfg.CodeTTL, StepPhoneNumber, StepVerification)
}

// ParentEmail records the parent's email for a child account and sends it a
// verification code.
func (s *Service) ParentEmail(ctx context.Context, acc Accepted, in ParentEmailInput) (Result, error) {
	if err := expect(acc, StepParentEmail); err != nil {
		return Result{}, err
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := asValidationError(in.Validate()); err != nil {
		return Result{}, err
	}
	claims := acc.claims
	if claims.String(ClaimAccountType) != identity.AccountChild {
		return Result{}, fieldError("email", "parent email is only accepted for child accounts")
	}

	if err := s.sendCode(ctx, notification.ChannelEmail, in.Email,
		s.cfg.ProjectName+" registration", "Your verification code: "); err != nil {
		return Result{}, err
	}

	claims = claims.WithFields(map[string]any{
		ClaimParentEmail:         in.Email,
		ClaimParentEmailVerified: false,
	})
	return s.issue(claims, s.cfg.CodeTTL, StepParentEmail, StepVerification)
}

// sendCode stores a fresh code for identifier and queues its delivery. A
// delivery problem never fails the step.
func (s *Service) sendCode(ctx context.Context, channel, identifier, subject, text string) error {
	code, err := GenerateCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	if err := s.codes.Set(ctx, identifier, code, s.cfg.CodeTTL); err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	err = s.queue.Enqueue(notification.Message{
		Kind:        notification.KindVerificationCode,
		Channel:     channel,
		Destination: identifier,
		Subject:     subject,
		Body:        fmt.Sprintf("%s%d", text, code),
	})
	if err != nil {
		s.logger.Warn("verification code not queued", "channel", channel, "error", err)
	}
	return nil
}

// Verify checks the code sent by the preceding step and consumes it.
func (s *Service) Verify(ctx context.Context, acc Accepted, in VerificationInput) (Result, error) {
	if err := expect(acc, StepVerification); err != nil {
		return Result{}, err
	}
	if err := asValidationError(in.Validate()); err != nil {
		return Result{}, err
	}
	claims := acc.claims

	var identifier, proved string
	switch Step(claims.Issuer()) {
	case StepPhoneNumber:
		identifier, proved = claims.String(ClaimPhoneNumber), ClaimPhoneVerified
	case StepParentEmail:
		identifier, proved = claims.String(ClaimParentEmail), ClaimParentEmailVerified
	}
	if identifier == "" {
		return Result{}, ErrInvalidToken
	}

	if in.PhoneNumber != "" {
		phone, err := normalizePhone(in.PhoneNumber, s.cfg.PhoneRegion)
		if err != nil || proved != ClaimPhoneVerified || phone != identifier {
			return Result{}, fieldError("phone_number", "Invalid phone number")
		}
	}
	if in.Email != "" {
		if proved != ClaimParentEmailVerified || strings.ToLower(strings.TrimSpace(in.Email)) != identifier {
			return Result{}, fieldError("email", "Invalid email")
		}
	}

	code, _ := in.Code.Int()
	ok, err := s.codes.Consume(ctx, identifier, code)
	if err != nil {
		return Result{}, fmt.Errorf("consume code: %w", err)
	}
	if !ok {
		return Result{}, ErrVerificationMismatch
	}

	claims = claims.Without(steptoken.ClaimAudience).WithFields(map[string]any{
		ClaimVerified: true,
		proved:        true,
	})
	return s.issue(claims, s.cfg.TokenTTL, StepVerification, StepProfileName)
}

// ProfileName records the names. Chains that have not proved a phone number
// yet are sent back to the phone number step.
func (s *Service) ProfileName(_ context.Context, acc Accepted, in ProfileNameInput) (Result, error) {
	if err := expect(acc, StepProfileName); err != nil {
		return Result{}, err
	}
	in.normalize()
	if err := asValidationError(in.Validate()); err != nil {
		return Result{}, err
	}
	claims := acc.claims.WithFields(map[string]any{
		ClaimFirstName: in.FirstName,
		ClaimLastName:  in.LastName,
	})
	next := StepProfileMetadata
	if !claims.Bool(ClaimPhoneVerified) {
		next = StepPhoneNumber
	}
	return s.issue(claims, s.cfg.TokenTTL, StepProfileName, next)
}

// ProfileMetadata records birthday and gender.
func (s *Service) ProfileMetadata(_ context.Context, acc Accepted, in ProfileMetadataInput) (Result, error) {
	if err := expect(acc, StepProfileMetadata); err != nil {
		return Result{}, err
	}
	in.normalize()
	if err := asValidationError(in.validate(s.now())); err != nil {
		return Result{}, err
	}
	claims := acc.claims.WithFields(map[string]any{
		ClaimBirthday: in.Birthday,
		ClaimGender:   in.Gender,
	})
	return s.issue(claims, s.cfg.TokenTTL, StepProfileMetadata, StepEmail)
}

// EmailSuggestions proposes available addresses for a token accepted by the
// email step.
func (s *Service) EmailSuggestions(ctx context.Context, acc Accepted) ([]string, error) {
	if err := expect(acc, StepEmail); err != nil {
		return nil, err
	}
	claims := acc.claims
	birthday, _ := time.Parse(birthdayLayout, claims.String(ClaimBirthday))
	locals, err := s.suggester.Suggest(ctx, claims.String(ClaimFirstName), claims.String(ClaimLastName), birthday)
	if err != nil {
		return nil, fmt.Errorf("suggest emails: %w", err)
	}
	out := make([]string, len(locals))
	for i, local := range locals {
		out[i] = local + "@" + s.cfg.EmailDomain
	}
	return out, nil
}

// Email records an address that is not registered yet.
func (s *Service) Email(ctx context.Context, acc Accepted, in EmailInput) (Result, error) {
	if err := expect(acc, StepEmail); err != nil {
		return Result{}, err
	}
	in.normalize()
	if err := asValidationError(in.Validate()); err != nil {
		return Result{}, err
	}
	taken, err := s.users.ExistsByEmail(ctx, in.Email)
	if err != nil {
		return Result{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return Result{}, ErrConflict
	}
	return s.issue(acc.claims.With(ClaimEmail, in.Email), s.cfg.TokenTTL, StepEmail, StepPassword)
}

// Password records the password sealed so the client cannot read it back
// from the token.
func (s *Service) Password(_ context.Context, acc Accepted, in PasswordInput) (Result, error) {
	if err := expect(acc, StepPassword); err != nil {
		return Result{}, err
	}
	if err := asValidationError(in.Validate()); err != nil {
		return Result{}, err
	}
	sealed, err := s.sealer.seal(in.Password)
	if err != nil {
		return Result{}, fmt.Errorf("seal password: %w", err)
	}
	return s.issue(acc.claims.With(ClaimPassword, sealed), s.cfg.TokenTTL, StepPassword, StepRegistration)
}

// Preview generates a placeholder avatar and returns the data to confirm.
// The returned token keeps iss and aud so it can still be committed.
func (s *Service) Preview(_ context.Context, acc Accepted) (Preview, error) {
	if err := expect(acc, StepRegistration); err != nil {
		return Preview{}, err
	}
	claims := acc.claims
	if prev := claims.String(ClaimAvatar); prev != "" && s.avatars.IsTemporary(prev) {
		if err := s.avatars.Remove(prev); err != nil {
			s.logger.Warn("remove previous avatar", "error", err)
		}
	}
	path, err := s.avatars.Generate(claims.String(ClaimFirstName))
	if err != nil {
		return Preview{}, fmt.Errorf("generate avatar: %w", err)
	}
	uri, err := s.avatars.DataURI(path)
	if err != nil {
		return Preview{}, fmt.Errorf("read avatar: %w", err)
	}
	claims = claims.With(ClaimAvatar, path)
	token, err := s.codec.Encode(claims)
	if err != nil {
		return Preview{}, fmt.Errorf("sign step token: %w", err)
	}
	return Preview{
		Token:     token,
		Email:     claims.String(ClaimEmail),
		FirstName: claims.String(ClaimFirstName),
		LastName:  claims.String(ClaimLastName),
		Avatar:    uri,
	}, nil
}

func missingClaims(claims steptoken.Claims) *ValidationError {
	fields := map[string]string{}
	for _, key := range []string{ClaimAccountType, ClaimEmail, ClaimPhoneNumber, ClaimFirstName,
		ClaimBirthday, ClaimGender, ClaimPassword} {
		if !claims.Has(key) {
			fields[key] = "is required"
		}
	}
	if !claims.Bool(ClaimVerified) || !claims.Bool(ClaimPhoneVerified) {
		fields[ClaimPhoneNumber] = "must be verified"
	}
	if claims.String(ClaimAccountType) == identity.AccountChild {
		if !claims.Has(ClaimParentEmail) {
			fields[ClaimParentEmail] = "is required"
		} else if !claims.Bool(ClaimParentEmailVerified) {
			fields[ClaimParentEmail] = "must be verified"
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// Commit persists the user assembled by the chain. Each chain can be
// committed once.
func (s *Service) Commit(ctx context.Context, acc Accepted) (string, error) {
	id, err := s.commit(ctx, acc)
	switch {
	case err == nil:
		s.observe("ok")
	case errors.Is(err, ErrConflict):
		s.observe("conflict")
	case errors.Is(err, ErrReplayed):
		s.observe("replayed")
	default:
		var ve *ValidationError
		if errors.As(err, &ve) || errors.Is(err, ErrInvalidToken) {
			s.observe("invalid")
		} else {
			s.observe("error")
		}
	}
	return id, err
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.Commit(outcome)
	}
}

func (s *Service) commit(ctx context.Context, acc Accepted) (string, error) {
	if err := expect(acc, StepRegistration); err != nil {
		return "", err
	}
	claims := acc.claims
	if ve := missingClaims(claims); ve != nil {
		return "", ve
	}
	birthday, err := time.Parse(birthdayLayout, claims.String(ClaimBirthday))
	if err != nil {
		return "", fieldError(ClaimBirthday, "must be a date in YYYY-MM-DD format")
	}
	password, err := s.sealer.open(claims.String(ClaimPassword))
	if err != nil {
		return "", fieldError(ClaimPassword, "is invalid")
	}
	hash, err := identity.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	chainID := claims.String(ClaimChainID)
	if chainID == "" {
		return "", ErrInvalidToken
	}
	fresh, err := s.committed.Claim(ctx, chainID, committedWindow)
	if err != nil {
		return "", fmt.Errorf("claim chain: %w", err)
	}
	if !fresh {
		return "", ErrReplayed
	}

	tmpAvatar := claims.String(ClaimAvatar)
	var avatarPath string
	if tmpAvatar != "" && s.avatars.IsTemporary(tmpAvatar) {
		if avatarPath, err = s.avatars.Promote(tmpAvatar); err != nil {
			s.logger.Warn("avatar not promoted", "error", err)
			avatarPath = ""
		}
	}

	user := identity.User{
		ID:           uuid.NewString(),
		AccountType:  claims.String(ClaimAccountType),
		Email:        claims.String(ClaimEmail),
		Phone:        claims.String(ClaimPhoneNumber),
		ParentEmail:  claims.String(ClaimParentEmail),
		FirstName:    claims.String(ClaimFirstName),
		LastName:     claims.String(ClaimLastName),
		Birthday:     birthday,
		Gender:       claims.String(ClaimGender),
		PasswordHash: hash,
		Avatar:       avatarPath,
		Theme:        "light",
		Language:     "tk",
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if relErr := s.committed.Release(ctx, chainID); relErr != nil {
			s.logger.Warn("release chain id", "error", relErr)
		}
		if avatarPath != "" {
			if rmErr := s.avatars.Remove(avatarPath); rmErr != nil {
				s.logger.Warn("remove promoted avatar", "error", rmErr)
			}
		}
		if errors.Is(err, identity.ErrConflict) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("create user: %w", err)
	}

	if avatarPath != "" {
		if err := s.avatars.Remove(tmpAvatar); err != nil {
			s.logger.Warn("remove temporary avatar", "error", err)
		}
	}
	s.logger.Info("registration committed",
		slog.String("user_id", user.ID),
		slog.String("account_type", user.AccountType),
	)
	return user.ID, nil
}
