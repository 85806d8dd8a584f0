package middleware

import (
	"github.com/gofiber/fiber/v2"

	icuser "github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// RequireUser ensures the upstream asserted a user and returns JSON 401
// otherwise.
func RequireUser(c *fiber.Ctx) error {
	v := c.Locals(icuser.KeyFromProtected)
	loggedIn := false
	if b, ok := v.(bool); ok {
		loggedIn = b
	}
	if !loggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": icuser.HeaderUserID + " required",
		})
	}
	return c.Next()
}
