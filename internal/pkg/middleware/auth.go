package middleware

import (
	"crypto/subtle"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/PixelVault/internal/pkg/env"
)

// AdminBasicAuth protects operator routes with a single account from
// ADMIN_USER and a bcrypt hash in ADMIN_PASSWORD_HASH. Without a hash every
// request is refused.
func AdminBasicAuth() fiber.Handler {
	user := env.GetEnv("ADMIN_USER", "admin")
	hash := []byte(env.GetEnv("ADMIN_PASSWORD_HASH", ""))
	if len(hash) == 0 {
		log.Print("ADMIN_PASSWORD_HASH not set, admin routes are disabled")
	}

	return basicauth.New(basicauth.Config{
		Realm: "PixelVault Admin",
		Authorizer: func(u, p string) bool {
			if len(hash) == 0 {
				return false
			}
			if subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 {
				return false
			}
			return bcrypt.CompareHashAndPassword(hash, []byte(p)) == nil
		},
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="PixelVault Admin"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	})
}
