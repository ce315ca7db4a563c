package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletsync/internal/account"
)

var (
	// ErrNotFound indicates the ledger has no account with the requested id. For callers deciding
	// between funding and paying it is a branch, not a failure.
	ErrNotFound = errors.New("account not found")

	// ErrStreamClosed is returned when operating on a closed payment stream.
	ErrStreamClosed = errors.New("payment stream closed")
)

// Ledger result codes surfaced through RejectionError.
const (
	CodeTxFailed         = "tx_failed"
	CodeTxBadSeq         = "tx_bad_seq"
	CodeOpUnderfunded    = "op_underfunded"
	CodeOpLowReserve     = "op_low_reserve"
	CodeOpNoTrust        = "op_no_trust"
	CodeOpAlreadyExists  = "op_already_exists"
	CodeOpNoDestination  = "op_no_destination"
	CodeOpMalformed      = "op_malformed"
	CursorNow            = "now"
	OperationPayment     = "payment"
	OperationCreateAcct  = "create_account"
	defaultEffectsLimit  = 50
	defaultStreamBacklog = 32
)

// NetworkError wraps a transport failure (timeout, refused connection, 5xx). It is transient.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectionError reports a transaction the ledger refused under its own rules.
type RejectionError struct {
	TransactionCode string
	OperationCodes  []string
}

func (e *RejectionError) Error() string {
	if len(e.OperationCodes) == 0 {
		return "ledger rejected transaction: " + e.TransactionCode
	}
	return fmt.Sprintf("ledger rejected transaction: %s [%s]", e.TransactionCode, strings.Join(e.OperationCodes, ","))
}

// HasCode reports whether code appears as the transaction or an operation result.
func (e *RejectionError) HasCode(code string) bool {
	if e.TransactionCode == code {
		return true
	}
	for _, c := range e.OperationCodes {
		if c == code {
			return true
		}
	}
	return false
}

func reject(opCode string) *RejectionError {
	return &RejectionError{TransactionCode: CodeTxFailed, OperationCodes: []string{opCode}}
}

// IsTransient reports whether err is a network-level failure worth retrying on the next tick.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsRejection reports whether err is a ledger-side rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// Receipt is the ledger's confirmation of a submitted transaction.
type Receipt struct {
	Hash   string
	Ledger int64
}

// Payment is a payment-like operation observed on the live stream.
type Payment struct {
	ID          string
	PagingToken string
	Type        string
	From        string
	To          string
	Amount      decimal.Decimal
	Asset       account.Asset
	Memo        string
	CreatedAt   time.Time
}

// Involves reports whether accountID is a party to the payment.
func (p Payment) Involves(accountID string) bool {
	return p.From == accountID || p.To == accountID
}

// StreamEventKind discriminates events on a payment stream.
type StreamEventKind int

const (
	StreamOpened StreamEventKind = iota
	StreamPayment
	StreamError
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamOpened:
		return "opened"
	case StreamPayment:
		return "payment"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one message from a payment subscription.
type StreamEvent struct {
	Kind    StreamEventKind
	Payment Payment
	Err     error
}

// PaymentStream is a live subscription handle. Events is closed once the stream is closed.
type PaymentStream interface {
	Events() <-chan StreamEvent
	Close() error
}

// Gateway is the contract the wallet core consumes from the remote ledger.
type Gateway interface {
	FetchAccount(ctx context.Context, id string) (account.Account, error)
	FetchEffects(ctx context.Context, accountID string, asset account.Asset) ([]account.Effect, error)
	SubmitPayment(ctx context.Context, destination string, amount decimal.Decimal, asset account.Asset, memo string) (Receipt, error)
	SubmitAccountCreation(ctx context.Context, destination string, startingBalance decimal.Decimal) (Receipt, error)
	SubscribePayments(ctx context.Context, accountID, cursor string) (PaymentStream, error)
}
