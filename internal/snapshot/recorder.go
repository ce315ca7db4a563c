package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/congo-pay/walletsync/internal/account"
	"github.com/congo-pay/walletsync/internal/logging"
)

const defaultSaveTimeout = 2 * time.Second

// Recorder is a sync observer that persists every settled snapshot. Loading snapshots are
// skipped since their effect list is intentionally empty.
type Recorder struct {
	repo    Repository
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder builds a Recorder. A zero timeout uses the default.
func NewRecorder(repo Repository, timeout time.Duration, logger *slog.Logger) *Recorder {
	if timeout <= 0 {
		timeout = defaultSaveTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{repo: repo, timeout: timeout, logger: logger}
}

// OnSnapshot saves s.
func (r *Recorder) OnSnapshot(s account.Snapshot) {
	if s.Loading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.repo.Save(ctx, s); err != nil {
		r.logger.Warn("save snapshot failed", slog.String("account_id", s.AccountID), slog.Any("error", err))
	}
}

// OnError records soft failures at debug level.
func (r *Recorder) OnError(err error) {
	r.logger.Debug("sync soft failure", slog.Any("error", err))
}
