package snapshot

import (
	"context"
	"errors"

	"github.com/congo-pay/walletsync/internal/account"
)

// ErrNotFound indicates no snapshot has been recorded for the account.
var ErrNotFound = errors.New("snapshot not found")

// Repository keeps the last published snapshot per account.
type Repository interface {
	Save(ctx context.Context, snapshot account.Snapshot) error
	Latest(ctx context.Context, accountID string) (account.Snapshot, error)
}
