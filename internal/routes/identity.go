package routes

import (
    "github.com/gofiber/fiber/v2"

    "github.com/gozle/accounts/internal/identity"
)

// RegisterIdentityRoutes wires the profile endpoint. r must already carry
// the bearer auth middleware.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
    r.Get("/me", h.Me)
}
