package registration

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// StepObserver is told about every step request.
type StepObserver interface {
	StepOutcome(step, outcome string)
}

// Handler exposes the registration steps over HTTP.
type Handler struct {
	service  *Service
	header   string
	observer StepObserver
	logger   *slog.Logger
}

// NewHandler builds a handler reading and writing the chain token in header.
// observer may be nil.
func NewHandler(service *Service, header string, observer StepObserver, logger *slog.Logger) *Handler {
	if header == "" {
		header = "X-Registration-Token"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, header: header, observer: observer, logger: logger}
}

// Header returns the chain token header name.
func (h *Handler) Header() string { return h.header }

func envelope(status, message string, data fiber.Map) fiber.Map {
	out := fiber.Map{"status": status, "message": message}
	for k, v := range data {
		out[k] = v
	}
	return out
}

func runStep[T any](h *Handler, c *fiber.Ctx, step Step, message string,
	run func(context.Context, Accepted, T) (Result, error)) error {
	acc, err := h.service.Authorize(step, c.Get(h.header))
	if err != nil {
		return h.fail(c, step, err)
	}
	var in T
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return h.fail(c, step, fieldError("body", "must be a valid JSON object"))
		}
	}
	res, err := run(c.UserContext(), acc, in)
	if err != nil {
		return h.fail(c, step, err)
	}
	h.record(step, "ok")
	c.Set(h.header, res.Token)
	return c.Status(http.StatusAccepted).JSON(envelope("ok", message, nil))
}

// AccountType handles POST /register/steps/account_type.
func (h *Handler) AccountType(c *fiber.Ctx) error {
	return runStep(h, c, StepAccountType, "Account type accepted", h.service.AccountType)
}

// PhoneNumber handles POST /register/steps/phone_number.
func (h *Handler) PhoneNumber(c *fiber.Ctx) error {
	return runStep(h, c, StepPhoneNumber, "Verification code sent", h.service.PhoneNumber)
}

// ParentEmail handles POST /register/steps/parent_email.
func (h *Handler) ParentEmail(c *fiber.Ctx) error {
	return runStep(h, c, StepParentEmail, "Verification code sent", h.service.ParentEmail)
}

// Verify handles POST /auth/verify.
func (h *Handler) Verify(c *fiber.Ctx) error {
	return runStep(h, c, StepVerification, "Verification completed", h.service.Verify)
}

// ProfileName handles POST /register/steps/profile_name.
func (h *Handler) ProfileName(c *fiber.Ctx) error {
	return runStep(h, c, StepProfileName, "First name and last name accepted", h.service.ProfileName)
}

// ProfileMetadata handles POST /register/steps/profile_metadata.
func (h *Handler) ProfileMetadata(c *fiber.Ctx) error {
	return runStep(h, c, StepProfileMetadata, "Gender and birthday accepted", h.service.ProfileMetadata)
}

// Email handles POST /register/steps/email.
func (h *Handler) Email(c *fiber.Ctx) error {
	return runStep(h, c, StepEmail, "Email accepted", h.service.Email)
}

// Password handles POST /register/steps/password.
func (h *Handler) Password(c *fiber.Ctx) error {
	return runStep(h, c, StepPassword, "Password accepted", h.service.Password)
}

// EmailSuggestions handles GET /register/steps/email.
func (h *Handler) EmailSuggestions(c *fiber.Ctx) error {
	acc, err := h.service.Authorize(StepEmail, c.Get(h.header))
	if err != nil {
		return h.fail(c, StepEmail, err)
	}
	suggestions, err := h.service.EmailSuggestions(c.UserContext(), acc)
	if err != nil {
		return h.fail(c, StepEmail, err)
	}
	return c.Status(http.StatusOK).JSON(envelope("ok", "Email suggestions", fiber.Map{
		"email_suggestions": suggestions,
	}))
}

// Preview handles GET /register.
func (h *Handler) Preview(c *fiber.Ctx) error {
	acc, err := h.service.Authorize(StepRegistration, c.Get(h.header))
	if err != nil {
		return h.fail(c, StepRegistration, err)
	}
	p, err := h.service.Preview(c.UserContext(), acc)
	if err != nil {
		return h.fail(c, StepRegistration, err)
	}
	c.Set(h.header, p.Token)
	return c.Status(http.StatusOK).JSON(envelope("ok", "Confirm account registration", fiber.Map{
		"data": fiber.Map{
			"email":      p.Email,
			"first_name": p.FirstName,
			"last_name":  p.LastName,
			"avatar":     p.Avatar,
		},
	}))
}

// Commit handles POST /register.
func (h *Handler) Commit(c *fiber.Ctx) error {
	acc, err := h.service.Authorize(StepRegistration, c.Get(h.header))
	if err != nil {
		return h.fail(c, StepRegistration, err)
	}
	userID, err := h.service.Commit(c.UserContext(), acc)
	if err != nil {
		return h.fail(c, StepRegistration, err)
	}
	h.record(StepRegistration, "ok")
	return c.Status(http.StatusCreated).JSON(envelope("ok", "Account registered", fiber.Map{
		"user_id": userID,
	}))
}

func (h *Handler) record(step Step, outcome string) {
	if h.observer != nil {
		h.observer.StepOutcome(string(step), outcome)
	}
}

// fail renders err in the response envelope. Unknown errors are logged and
// reported without detail.
func (h *Handler) fail(c *fiber.Ctx, step Step, err error) error {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrMissingToken):
		h.record(step, "missing_token")
		return c.Status(http.StatusBadRequest).JSON(envelope("error", "token not given", nil))
	case errors.Is(err, ErrInvalidToken):
		h.record(step, "invalid_token")
		return c.Status(http.StatusBadRequest).JSON(envelope("error", "invalid token", nil))
	case errors.As(err, &ve):
		h.record(step, "invalid")
		return c.Status(http.StatusBadRequest).JSON(envelope("error", "validation failed", fiber.Map{
			"errors": ve.Fields,
		}))
	case errors.Is(err, ErrVerificationMismatch):
		h.record(step, "mismatch")
		return c.Status(http.StatusBadRequest).JSON(envelope("error", "validation failed", fiber.Map{
			"errors": map[string]string{"code": err.Error()},
		}))
	case errors.Is(err, ErrConflict), errors.Is(err, ErrReplayed):
		h.record(step, "conflict")
		return c.Status(http.StatusConflict).JSON(envelope("error", err.Error(), nil))
	default:
		h.record(step, "error")
		h.logger.Error("registration step failed", "step", string(step), "error", err)
		return c.Status(http.StatusInternalServerError).JSON(envelope("error", "internal server error", nil))
	}
}
