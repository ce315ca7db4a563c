package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletsync/internal/accountsync"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type trackResponse struct {
	AccountID string    `json:"account_id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type switchAssetRequest struct {
	Index *int `json:"index"`
}

type walletResponse struct {
	AccountID     string     `json:"account_id"`
	State         string     `json:"state"`
	Sequence      int64      `json:"sequence"`
	Balances      []Balance  `json:"balances"`
	AssetIndex    int        `json:"asset_index"`
	SelectedAsset string     `json:"selected_asset"`
	Activity      []Activity `json:"activity"`
	Loading       bool       `json:"loading"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Track starts syncing the account in the path.
func (h *Handler) Track(c *fiber.Ctx) error {
	tracked, created, err := h.service.Track(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return mapError(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(trackResponse(tracked))
}

// Untrack stops syncing the account in the path.
func (h *Handler) Untrack(c *fiber.Ctx) error {
	if err := h.service.Untrack(c.Params("accountId")); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// List returns every tracked account.
func (h *Handler) List(c *fiber.Ctx) error {
	tracked := h.service.Tracked()
	out := make([]trackResponse, 0, len(tracked))
	for _, t := range tracked {
		out = append(out, trackResponse(t))
	}
	return c.Status(http.StatusOK).JSON(out)
}

// Refresh queues an immediate reconciliation.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	if err := h.service.Refresh(c.Params("accountId")); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusAccepted)
}

// SwitchAsset selects the balance whose activity is shown.
func (h *Handler) SwitchAsset(c *fiber.Ctx) error {
	var req switchAssetRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Index == nil {
		return fiber.NewError(http.StatusBadRequest, "index is required")
	}
	if err := h.service.SwitchAsset(c.Params("accountId"), *req.Index); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusAccepted)
}

// Get returns the latest snapshot of the account.
func (h *Handler) Get(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	snap, err := h.service.Snapshot(c.UserContext(), accountID)
	if err != nil {
		return mapError(err)
	}
	state := "untracked"
	if tracked, err := h.service.Status(accountID); err == nil {
		state = tracked.State
	}
	return c.Status(http.StatusOK).JSON(walletResponse{
		AccountID:     snap.AccountID,
		State:         state,
		Sequence:      snap.Account.Sequence,
		Balances:      balancesView(snap.Account),
		AssetIndex:    snap.AssetIndex,
		SelectedAsset: snap.SelectedAsset().String(),
		Activity:      activityView(snap.Effects),
		Loading:       snap.Loading,
		UpdatedAt:     snap.UpdatedAt,
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotTracked), errors.Is(err, ErrNoSnapshot):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, accountsync.ErrAssetIndex), errors.Is(err, accountsync.ErrNoAccount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClosed), errors.Is(err, accountsync.ErrStopped):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
