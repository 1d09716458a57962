// middleware/auth.go
package middleware

import (
	"log"

	"sign-bounty-system/models"

	"github.com/gofiber/fiber/v2"
)

const actorLocalsKey = "actor"

// UserContextMiddleware extracts user identity and roles set by Gateway.
// Requests without X-User-ID continue as an anonymous public actor.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := models.Actor{
			ID:    c.Get("X-User-ID"),
			Roles: models.ParseRoles(c.Get("X-User-Roles")),
		}
		if actor.ID == "" {
			actor.Roles = []models.Role{models.RolePublic}
		}
		c.Locals(actorLocalsKey, actor)
		return c.Next()
	}
}

// ActorFrom returns the caller attached by UserContextMiddleware.
func ActorFrom(c *fiber.Ctx) models.Actor {
	if a, ok := c.Locals(actorLocalsKey).(models.Actor); ok {
		return a
	}
	return models.Actor{Roles: []models.Role{models.RolePublic}}
}

// RequireRole rejects callers without an account id or without any of roles.
func RequireRole(roles ...models.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := ActorFrom(c)
		if actor.ID == "" {
			log.Printf("❌ [USER_CTX] X-User-ID required but missing on secured route: %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}
		if !actor.HasRole(roles...) {
			log.Printf("🚫 [USER_CTX] %s (roles %v) denied %s, needs one of %v", actor.ID, actor.Roles, c.Path(), roles)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "insufficient role",
			})
		}
		return c.Next()
	}
}
