package middleware

import (
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// TenantMiddleware resolves the app_id from the JWT claim, the X-App-ID
// header or the app_id query param, in that order. It runs after
// JWTProtected on the subscription routes.
func TenantMiddleware(registry *tenant.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		appID, source := "", ""

		if token, ok := c.Locals("user").(*jwt.Token); ok {
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if id, ok := claims["app_id"].(string); ok && id != "" {
					appID, source = id, "token app_id"
				}
			}
		}
		if appID == "" {
			if id := c.Get("X-App-ID"); id != "" {
				appID, source = id, "X-App-ID"
			}
		}
		if appID == "" {
			if id := c.Query("app_id"); id != "" {
				appID, source = id, "app_id"
			}
		}

		if appID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error:   true,
				Message: "X-App-ID header is required",
			})
		}
		if !registry.Exists(appID) {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error:   true,
				Message: "Invalid " + source + ": " + appID,
			})
		}

		c.Locals("app_id", appID)
		return c.Next()
	}
}
