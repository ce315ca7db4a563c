package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletsync/internal/wallet"
)

// RegisterWalletRoutes wires account tracking endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	group := r.Group("/wallets")
	group.Get("/", h.List)
	// Tracks the account held in the session keychain.
	group.Post("/track", h.Track)
	group.Post("/:accountId/track", h.Track)
	group.Delete("/:accountId/track", h.Untrack)
	group.Post("/:accountId/refresh", h.Refresh)
	group.Put("/:accountId/asset", h.SwitchAsset)
	group.Get("/:accountId", h.Get)
}
