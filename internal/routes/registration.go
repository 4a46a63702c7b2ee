package routes

import (
    "github.com/gofiber/fiber/v2"

    "github.com/gozle/accounts/internal/registration"
)

// RegisterRegistrationRoutes wires the signup chain. codeLimiter guards the
// steps that send a verification code, verifyLimiter the code checks.
// idempotency may be nil.
func RegisterRegistrationRoutes(r fiber.Router, h *registration.Handler, codeLimiter, verifyLimiter, idempotency fiber.Handler) {
    steps := r.Group("/register/steps")
    steps.Post("/account_type", h.AccountType)
    steps.Post("/phone_number", codeLimiter, h.PhoneNumber)
    steps.Post("/parent_email", codeLimiter, h.ParentEmail)
    steps.Post("/profile_name", h.ProfileName)
    steps.Post("/profile_metadata", h.ProfileMetadata)
    steps.Get("/email", h.EmailSuggestions)
    steps.Post("/email", h.Email)
    steps.Post("/password", h.Password)

    r.Post("/auth/verify", verifyLimiter, h.Verify)

    r.Get("/register", h.Preview)
    if idempotency != nil {
        r.Post("/register", idempotency, h.Commit)
    } else {
        r.Post("/register", h.Commit)
    }
}
