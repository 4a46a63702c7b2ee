package identity

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type profileResponse struct {
	UserID      string `json:"user_id"`
	AccountType string `json:"account_type"`
	Email       string `json:"email"`
	Phone       string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name,omitempty"`
	Birthday    string `json:"birthday,omitempty"`
	Gender      string `json:"gender"`
	Avatar      string `json:"avatar,omitempty"`
	Theme       string `json:"theme"`
	Language    string `json:"language"`
}

// Me returns the profile of the authenticated user. The auth middleware
// stores the subject under the "user_id" local.
func (h *Handler) Me(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
	}
	user, err := h.service.Get(c.UserContext(), uid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusUnauthorized, "user not found")
		}
		return err
	}
	resp := profileResponse{
		UserID:      user.ID,
		AccountType: user.AccountType,
		Email:       user.Email,
		Phone:       user.Phone,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		Gender:      user.Gender,
		Avatar:      user.Avatar,
		Theme:       user.Theme,
		Language:    user.Language,
	}
	if !user.Birthday.IsZero() {
		resp.Birthday = user.Birthday.Format("2006-01-02")
	}
	return c.Status(http.StatusOK).JSON(resp)
}
