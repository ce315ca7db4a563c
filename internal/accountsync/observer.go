package accountsync

import (
	"context"

	"github.com/congo-pay/walletsync/internal/account"
)

// Observer receives published snapshots and soft failures. Callbacks run on the session loop;
// they must not block for long and must not call Stop.
type Observer interface {
	OnSnapshot(snapshot account.Snapshot)
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Snapshot func(account.Snapshot)
	Error    func(error)
}

func (f ObserverFuncs) OnSnapshot(snapshot account.Snapshot) {
	if f.Snapshot != nil {
		f.Snapshot(snapshot)
	}
}

func (f ObserverFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// AccountSource supplies the account to track when Start is called without one.
type AccountSource interface {
	AccountID(ctx context.Context) (string, error)
}
