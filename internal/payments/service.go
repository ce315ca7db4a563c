package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletsync/internal/account"
	"github.com/congo-pay/walletsync/internal/credentials"
	"github.com/congo-pay/walletsync/internal/ledger"
	"github.com/congo-pay/walletsync/internal/logging"
	"github.com/congo-pay/walletsync/internal/notification"
)

// MaxMemoBytes is the ledger's text memo limit.
const MaxMemoBytes = 28

var (
	// ErrValidation wraps every pre-flight rejection. No ledger call has been made when it is returned.
	ErrValidation = errors.New("invalid payment")
	// ErrCreateAccountAsset rejects funding a missing destination with a non-native asset.
	ErrCreateAccountAsset = errors.New("destination does not exist and accounts can only be created with the native asset")
)

// Status is the terminal result of a submission.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusTransactionFailed Status = "transaction_failed"
)

// Operation is the ledger operation a submission was routed to.
type Operation string

const (
	OperationPayment       Operation = "payment"
	OperationCreateAccount Operation = "create_account"
)

// Intent is a caller-built payment request. Available is the caller-visible balance of Asset;
// when it is empty or unparseable the balance check is skipped and the ledger decides.
type Intent struct {
	Destination string
	Amount      decimal.Decimal
	Asset       account.Asset
	Memo        string
	Available   string
	PIN         string
}

// Outcome reports how a submission ended.
type Outcome struct {
	Status      Status
	Operation   Operation
	Destination string
	Amount      decimal.Decimal
	Asset       account.Asset
	Receipt     ledger.Receipt
	CompletedAt time.Time
}

// Keychain is the credential surface the submitter needs.
type Keychain interface {
	AccountID(ctx context.Context) (string, error)
	PINOnPayment(ctx context.Context) (bool, error)
	VerifyPIN(ctx context.Context, pin string) error
}

// SourceAccount resolves the account payments are sent from.
type SourceAccount interface {
	AccountID(ctx context.Context) (string, error)
}

// FixedSource is the account a gateway is bound to.
type FixedSource string

// AccountID returns the bound account.
func (f FixedSource) AccountID(context.Context) (string, error) {
	if f == "" {
		return "", credentials.ErrNoAccount
	}
	return string(f), nil
}

// Service submits payments, funding the destination first when it does not exist yet.
// Calls are independent; the ledger's sequence numbers are the only serialization between them.
type Service struct {
	gateway  ledger.Gateway
	source   SourceAccount
	keychain Keychain
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService constructs a payment service. source is the account the gateway submits from;
// when nil the keychain's account stands in. source, keychain, notifier and logger may be nil.
func NewService(gateway ledger.Gateway, source SourceAccount, keychain Keychain, notifier notification.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if source == nil && keychain != nil {
		source = keychain
	}
	return &Service{gateway: gateway, source: source, keychain: keychain, notifier: notifier, logger: logger}
}

type route struct {
	intent    Intent
	operation Operation
}

// Submit validates intent, resolves the destination and dispatches exactly one operation.
// The error is nil only when the ledger confirmed the submission. Nothing is retried.
func (s *Service) Submit(ctx context.Context, intent Intent) (Outcome, error) {
	intent.Destination = strings.TrimSpace(intent.Destination)
	failed := Outcome{
		Status:      StatusTransactionFailed,
		Destination: intent.Destination,
		Amount:      intent.Amount,
		Asset:       intent.Asset,
	}

	if err := s.validate(ctx, intent); err != nil {
		return failed, err
	}

	r, err := s.resolve(ctx, intent)
	if err != nil {
		return failed, err
	}
	failed.Operation = r.operation

	receipt, err := s.dispatch(ctx, r)
	if err != nil {
		s.logger.Warn("payment failed",
			slog.String("destination", intent.Destination),
			slog.String("operation", string(r.operation)),
			slog.Any("error", err),
		)
		return failed, err
	}

	outcome := Outcome{
		Status:      StatusSuccess,
		Operation:   r.operation,
		Destination: intent.Destination,
		Amount:      intent.Amount,
		Asset:       intent.Asset,
		Receipt:     receipt,
		CompletedAt: time.Now().UTC(),
	}
	s.logger.Info("payment submitted",
		slog.String("destination", intent.Destination),
		slog.String("operation", string(r.operation)),
		slog.String("hash", receipt.Hash),
	)
	s.notify(ctx, outcome)
	return outcome, nil
}

func (s *Service) validate(ctx context.Context, intent Intent) error {
	if intent.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	if !intent.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err := account.CheckRepresentable(intent.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(intent.Memo) > MaxMemoBytes {
		return fmt.Errorf("%w: memo exceeds %d bytes", ErrValidation, MaxMemoBytes)
	}
	if available, err := decimal.NewFromString(strings.TrimSpace(intent.Available)); err == nil {
		if intent.Amount.GreaterThan(available) {
			return fmt.Errorf("%w: amount %s exceeds available balance %s", ErrValidation, intent.Amount, available)
		}
	}

	if s.source != nil {
		own, err := s.source.AccountID(ctx)
		switch {
		case err == nil && own == intent.Destination:
			return fmt.Errorf("%w: cannot pay your own account", ErrValidation)
		case err != nil && !errors.Is(err, credentials.ErrNoAccount):
			return err
		}
	}

	if s.keychain == nil {
		return nil
	}

	required, err := s.keychain.PINOnPayment(ctx)
	if err != nil {
		return err
	}
	if !required {
		return nil
	}
	if intent.PIN == "" {
		return fmt.Errorf("%w: PIN required", ErrValidation)
	}
	if err := s.keychain.VerifyPIN(ctx, intent.PIN); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, intent Intent) (route, error) {
	_, err := s.gateway.FetchAccount(ctx, intent.Destination)
	switch {
	case err == nil:
		return route{intent: intent, operation: OperationPayment}, nil
	case errors.Is(err, ledger.ErrNotFound):
		if !intent.Asset.IsNative() {
			return route{}, ErrCreateAccountAsset
		}
		return route{intent: intent, operation: OperationCreateAccount}, nil
	default:
		return route{}, fmt.Errorf("resolve destination: %w", err)
	}
}

func (s *Service) dispatch(ctx context.Context, r route) (ledger.Receipt, error) {
	in := r.intent
	if r.operation == OperationCreateAccount {
		return s.gateway.SubmitAccountCreation(ctx, in.Destination, in.Amount)
	}
	return s.gateway.SubmitPayment(ctx, in.Destination, in.Amount, in.Asset, in.Memo)
}

func (s *Service) notify(ctx context.Context, o Outcome) {
	kind := notification.KindPaymentSent
	body := fmt.Sprintf("sent %s %s", account.FormatAmount(o.Amount), o.Asset.ShortCode())
	if o.Operation == OperationCreateAccount {
		kind = notification.KindAccountFunded
		body = fmt.Sprintf("funded new account with %s %s", account.FormatAmount(o.Amount), o.Asset.ShortCode())
	}
	notification.Deliver(ctx, s.notifier, s.logger, notification.Message{
		Kind:        kind,
		Destination: o.Destination,
		Body:        body,
	})
}
