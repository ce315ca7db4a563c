package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletsync/internal/payments"
)

// RegisterPaymentRoutes wires payment endpoints. guards run before the handler in order.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, guards ...fiber.Handler) {
	handlers := make([]fiber.Handler, 0, len(guards)+1)
	handlers = append(handlers, guards...)
	r.Post("/payments", append(handlers, h.Submit)...)
}
