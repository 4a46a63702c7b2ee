package routes

import (
    "github.com/gofiber/fiber/v2"

    "github.com/gozle/accounts/internal/auth"
)

// RegisterAuthRoutes wires the session endpoints. Credential and refresh
// attempts share loginLimiter.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, loginLimiter fiber.Handler) {
    sessions := r.Group("/auth")
    sessions.Post("/login", loginLimiter, h.Login)
    sessions.Post("/refresh", loginLimiter, h.Refresh)
    sessions.Post("/logout", h.Logout)
}
