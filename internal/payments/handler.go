package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletsync/internal/account"
	"github.com/congo-pay/walletsync/internal/ledger"
	"github.com/congo-pay/walletsync/internal/logging"
)

// Wallets is the view of tracked accounts the handler uses to pre-fill balances and to
// refresh the source after a confirmed submission.
type Wallets interface {
	AvailableBalance(ctx context.Context, accountID string, asset account.Asset) (string, bool)
	Refresh(accountID string) error
}

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
	wallets Wallets
	source  SourceAccount
	logger  *slog.Logger
}

// NewHandler constructs a payment handler. wallets and source may be nil.
func NewHandler(service *Service, wallets Wallets, source SourceAccount, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{service: service, wallets: wallets, source: source, logger: logger}
}

type paymentRequest struct {
	Destination string  `json:"destination"`
	Amount      string  `json:"amount"`
	Asset       string  `json:"asset"`
	Memo        string  `json:"memo"`
	Available   *string `json:"available"`
	PIN         string  `json:"pin"`
}

type paymentResponse struct {
	Status      Status    `json:"status"`
	Operation   Operation `json:"operation"`
	Destination string    `json:"destination"`
	Amount      string    `json:"amount"`
	Asset       string    `json:"asset"`
	Hash        string    `json:"hash"`
	Ledger      int64     `json:"ledger"`
	CompletedAt time.Time `json:"completed_at"`
}

// Submit sends a payment, creating the destination account when it does not exist.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := account.ParseAmount(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	asset, err := account.ParseAsset(req.Asset)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	ctx := c.UserContext()
	var sourceID string
	if h.source != nil {
		sourceID, _ = h.source.AccountID(ctx)
	}

	intent := Intent{
		Destination: req.Destination,
		Amount:      amount,
		Asset:       asset,
		Memo:        req.Memo,
		PIN:         req.PIN,
	}
	switch {
	case req.Available != nil:
		intent.Available = *req.Available
	case h.wallets != nil && sourceID != "":
		intent.Available, _ = h.wallets.AvailableBalance(ctx, sourceID, asset)
	}

	outcome, err := h.service.Submit(ctx, intent)
	if err != nil {
		return mapError(err)
	}

	if h.wallets != nil && sourceID != "" {
		if err := h.wallets.Refresh(sourceID); err != nil {
			h.logger.Debug("source refresh skipped", slog.String("account_id", sourceID), slog.Any("error", err))
		}
	}

	return c.Status(http.StatusCreated).JSON(paymentResponse{
		Status:      outcome.Status,
		Operation:   outcome.Operation,
		Destination: outcome.Destination,
		Amount:      outcome.Amount.String(),
		Asset:       outcome.Asset.String(),
		Hash:        outcome.Receipt.Hash,
		Ledger:      outcome.Receipt.Ledger,
		CompletedAt: outcome.CompletedAt,
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrCreateAccountAsset), ledger.IsRejection(err):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case ledger.IsTransient(err):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
