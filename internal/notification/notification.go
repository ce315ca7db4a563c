package notification

import (
	"context"
	"log/slog"
)

const (
	// KindPaymentReceived is sent when a live payment credits a tracked account.
	KindPaymentReceived = "payment_received"
	// KindPaymentSent is sent after a payment operation is confirmed.
	KindPaymentSent = "payment_sent"
	// KindAccountFunded is sent after an account-creation operation is confirmed.
	KindAccountFunded = "account_funded"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Deliver sends message through n when n is set, logging failures instead of returning them.
func Deliver(ctx context.Context, n Notifier, logger *slog.Logger, message Message) {
	if n == nil {
		return
	}
	if err := n.Send(ctx, message); err != nil && logger != nil {
		logger.Warn("notification failed", slog.String("kind", message.Kind), slog.Any("error", err))
	}
}
