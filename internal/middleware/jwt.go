package middleware

import (
    "net/http"
    "strings"

    "github.com/gofiber/fiber/v2"

    "github.com/gozle/accounts/internal/auth"
)

// JWTAuth returns a middleware that validates bearer access tokens.
func JWTAuth(sessions *auth.Service) fiber.Handler {
    return func(c *fiber.Ctx) error {
        authz := c.Get(fiber.HeaderAuthorization)
        if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
            return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
        }
        tokenStr := strings.TrimSpace(authz[len("Bearer "):])
        claims, err := sessions.ParseAccess(tokenStr)
        if err != nil {
            return fiber.NewError(http.StatusUnauthorized, "invalid token")
        }

        c.Locals("user_id", claims.Subject)
        return c.Next()
    }
}
