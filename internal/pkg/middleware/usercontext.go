package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// UserContextMiddleware sets up the user context for every request from the
// identity header of the trusted upstream. Authentication happens there.
func UserContextMiddleware(c *fiber.Ctx) error {
	raw := strings.TrimSpace(c.Get(usercontext.HeaderUserID))
	if raw == "" {
		usercontext.Set(c, usercontext.UserContext{})
		return c.Next()
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "validation_error",
			"message": "invalid " + usercontext.HeaderUserID + " header",
		})
	}
	usercontext.Set(c, usercontext.UserContext{UserID: uint(id), IsLoggedIn: true})
	return c.Next()
}
