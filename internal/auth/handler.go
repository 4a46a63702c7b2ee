package auth

import (
    "errors"
    "net/http"

    "github.com/gofiber/fiber/v2"

    "github.com/gozle/accounts/internal/identity"
)

// Handler exposes auth endpoints for login/refresh/logout.
type Handler struct {
    ids *identity.Service
    svc *Service
}

func NewHandler(ids *identity.Service, svc *Service) *Handler {
    return &Handler{ids: ids, svc: svc}
}

type loginRequest struct {
    Email    string `json:"email"`
    Phone    string `json:"phone_number"`
    Password string `json:"password"`
}

type loginResponse struct {
    UserID       string `json:"user_id"`
    Email        string `json:"email"`
    Phone        string `json:"phone_number"`
    AccessToken  string `json:"access_token"`
    RefreshToken string `json:"refresh_token"`
    ExpiresIn    int64  `json:"expires_in"`
}

// Login validates credentials and returns a token pair.
func (h *Handler) Login(c *fiber.Ctx) error {
    var req loginRequest
    if err := c.BodyParser(&req); err != nil {
        return fiber.NewError(http.StatusBadRequest, "invalid request body")
    }
    user, err := h.ids.Authenticate(c.UserContext(), identity.Credentials{Email: req.Email, Phone: req.Phone, Password: req.Password})
    if err != nil {
        if errors.Is(err, identity.ErrInvalidCredentials) {
            return fiber.NewError(http.StatusUnauthorized, err.Error())
        }
        return err
    }
    pair, err := h.svc.Login(user)
    if err != nil {
        return err
    }
    return c.Status(http.StatusOK).JSON(loginResponse{
        UserID:       user.ID,
        Email:        user.Email,
        Phone:        user.Phone,
        AccessToken:  pair.AccessToken,
        RefreshToken: pair.RefreshToken,
        ExpiresIn:    pair.ExpiresIn,
    })
}

type refreshRequest struct {
    RefreshToken string `json:"refresh_token"`
}

// Refresh issues a new access token using a valid refresh token.
func (h *Handler) Refresh(c *fiber.Ctx) error {
    var req refreshRequest
    if err := c.BodyParser(&req); err != nil {
        return fiber.NewError(http.StatusBadRequest, "invalid request body")
    }
    token, exp, err := h.svc.Refresh(c.UserContext(), req.RefreshToken)
    if err != nil {
        if errors.Is(err, ErrInvalidToken) {
            return fiber.NewError(http.StatusUnauthorized, err.Error())
        }
        return err
    }
    return c.Status(http.StatusOK).JSON(fiber.Map{"access_token": token, "expires_in": exp})
}

// Logout revokes the presented refresh token.
func (h *Handler) Logout(c *fiber.Ctx) error {
    var req refreshRequest
    if err := c.BodyParser(&req); err != nil {
        return fiber.NewError(http.StatusBadRequest, "invalid request body")
    }
    if req.RefreshToken == "" {
        return fiber.NewError(http.StatusBadRequest, "refresh_token is required")
    }
    if err := h.svc.Logout(c.UserContext(), req.RefreshToken); err != nil {
        if errors.Is(err, ErrInvalidToken) {
            return fiber.NewError(http.StatusUnauthorized, err.Error())
        }
        return err
    }
    return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok", "message": "logged out"})
}
