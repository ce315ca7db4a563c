package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletsync/internal/credentials"
)

// RegisterSessionRoutes wires keychain endpoints. rateLimiter guards routes that accept a PIN.
func RegisterSessionRoutes(r fiber.Router, h *credentials.Handler, rateLimiter fiber.Handler) {
	group := r.Group("/session")
	if rateLimiter != nil {
		group.Post("/", rateLimiter, h.Create)
	} else {
		group.Post("/", h.Create)
	}
	group.Get("/", h.Get)
	group.Put("/options", h.UpdateOptions)
	group.Delete("/", h.Delete)
}
