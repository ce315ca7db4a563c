package credentials

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// LogoutHook runs before the keychain is cleared, e.g. to stop tracked sessions.
type LogoutHook func(ctx context.Context)

// Handler exposes session endpoints over the Keychain.
type Handler struct {
	keychain *Keychain
	onLogout LogoutHook
}

// NewHandler constructs a session HTTP handler. onLogout may be nil.
func NewHandler(keychain *Keychain, onLogout LogoutHook) *Handler {
	return &Handler{keychain: keychain, onLogout: onLogout}
}

type sessionRequest struct {
	AccountID string `json:"account_id"`
	PIN       string `json:"pin"`
}

type optionsRequest struct {
	PINOnPayment *bool `json:"pin_on_payment"`
}

type sessionResponse struct {
	AccountID    string `json:"account_id"`
	HasPIN       bool   `json:"has_pin"`
	PINOnPayment bool   `json:"pin_on_payment"`
}

// Create stores the account id and, optionally, a PIN.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req sessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	ctx := c.UserContext()
	if err := h.keychain.SetAccountID(ctx, req.AccountID); err != nil {
		return mapError(err)
	}
	if req.PIN != "" {
		if err := h.keychain.SetPIN(ctx, req.PIN); err != nil {
			return mapError(err)
		}
	}
	res, err := h.describe(ctx)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// Get returns the current session.
func (h *Handler) Get(c *fiber.Ctx) error {
	res, err := h.describe(c.UserContext())
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// UpdateOptions toggles session options.
func (h *Handler) UpdateOptions(c *fiber.Ctx) error {
	var req optionsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	ctx := c.UserContext()
	if req.PINOnPayment != nil {
		if err := h.keychain.SetPINOnPayment(ctx, *req.PINOnPayment); err != nil {
			return mapError(err)
		}
	}
	res, err := h.describe(ctx)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// Delete logs out: tracked sessions stop and every credential is cleared.
func (h *Handler) Delete(c *fiber.Ctx) error {
	ctx := c.UserContext()
	if h.onLogout != nil {
		h.onLogout(ctx)
	}
	if err := h.keychain.Clear(ctx); err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h *Handler) describe(ctx context.Context) (sessionResponse, error) {
	id, err := h.keychain.AccountID(ctx)
	if err != nil {
		return sessionResponse{}, err
	}
	hasPIN, err := h.keychain.HasPIN(ctx)
	if err != nil {
		return sessionResponse{}, err
	}
	onPayment, err := h.keychain.PINOnPayment(ctx)
	if err != nil {
		return sessionResponse{}, err
	}
	return sessionResponse{AccountID: id, HasPIN: hasPIN, PINOnPayment: onPayment}, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNoAccount):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidPIN), errors.Is(err, ErrNoPIN):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAccountMismatch):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
