// middleware/session.go
package middleware

import (
	"log"
	"strings"

	"claim-processor/services"

	"github.com/gofiber/fiber/v2"
)

// SessionContextMiddleware resolves the X-Session-Token header (web claims)
// into a verified identity and attaches it to the request context. Requests
// without the header pass through untouched; the validator rejects web
// claims that arrive without a verified session.
func SessionContextMiddleware(identity services.IdentityVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := strings.TrimSpace(c.Get("X-Session-Token"))
		if token == "" || identity == nil {
			return c.Next()
		}

		info, err := identity.ValidateSession(c.Context(), token)
		if err != nil {
			log.Printf("🚫 [SESSION] token validation failed for %s: %v", c.Path(), err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "invalid or expired session",
			})
		}

		c.Locals("session_user_id", info.UserID)
		c.Locals("session_handle", info.Handle)
		return c.Next()
	}
}
