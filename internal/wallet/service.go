package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/walletsync/internal/account"
	"github.com/congo-pay/walletsync/internal/accountsync"
	"github.com/congo-pay/walletsync/internal/ledger"
	"github.com/congo-pay/walletsync/internal/logging"
	"github.com/congo-pay/walletsync/internal/snapshot"
)

var (
	// ErrNotTracked indicates no sync session runs for the account.
	ErrNotTracked = errors.New("account not tracked")
	// ErrNoSnapshot indicates the account has neither a live nor a stored snapshot.
	ErrNoSnapshot = errors.New("no snapshot for account")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wallet service closed")
)

type session struct {
	scheduler   *accountsync.Scheduler
	unsubscribe func()
	startedAt   time.Time
}

// Service runs one independent sync session per tracked account.
type Service struct {
	gateway ledger.Gateway
	repo    snapshot.Repository
	opts    accountsync.Options
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewService builds a wallet service. opts is the template for every session; repo may be nil.
func NewService(gateway ledger.Gateway, repo snapshot.Repository, opts accountsync.Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Service{
		gateway:  gateway,
		repo:     repo,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Track starts syncing accountID and reports whether a new session was created. An empty id
// is resolved through the configured account source.
func (s *Service) Track(ctx context.Context, accountID string) (TrackedAccount, bool, error) {
	if accountID == "" {
		if s.opts.AccountSource == nil {
			return TrackedAccount{}, false, accountsync.ErrNoAccount
		}
		id, err := s.opts.AccountSource.AccountID(ctx)
		if err != nil {
			return TrackedAccount{}, false, fmt.Errorf("resolve account: %w", err)
		}
		accountID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TrackedAccount{}, false, ErrClosed
	}
	if existing, ok := s.sessions[accountID]; ok {
		return view(accountID, existing), false, nil
	}

	sched := accountsync.New(s.gateway, s.opts)
	unsubscribe := func() {}
	if s.repo != nil {
		unsubscribe = sched.Subscribe(snapshot.NewRecorder(s.repo, 0, s.logger))
	}
	if err := sched.Start(ctx, accountID); err != nil {
		unsubscribe()
		return TrackedAccount{}, false, err
	}

	sess := &session{scheduler: sched, unsubscribe: unsubscribe, startedAt: time.Now().UTC()}
	s.sessions[accountID] = sess
	return view(accountID, sess), true, nil
}

// Untrack stops the session for accountID.
func (s *Service) Untrack(accountID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[accountID]
	delete(s.sessions, accountID)
	s.mu.Unlock()
	if !ok {
		return ErrNotTracked
	}
	sess.scheduler.Stop()
	sess.unsubscribe()
	return nil
}

// UntrackAll stops every session.
func (s *Service) UntrackAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.scheduler.Stop()
			sess.unsubscribe()
		}(sess)
	}
	wg.Wait()
}

// Close stops every session and rejects further Track calls.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.UntrackAll()
}

// Refresh forces one reconciliation for a tracked account.
func (s *Service) Refresh(accountID string) error {
	sess, err := s.session(accountID)
	if err != nil {
		return err
	}
	return sess.scheduler.RefreshNow()
}

// SwitchAsset changes which balance's activity a tracked account shows.
func (s *Service) SwitchAsset(accountID string, index int) error {
	sess, err := s.session(accountID)
	if err != nil {
		return err
	}
	return sess.scheduler.SwitchAsset(index)
}

// Subscribe attaches o to a tracked account's session.
func (s *Service) Subscribe(accountID string, o accountsync.Observer) (func(), error) {
	sess, err := s.session(accountID)
	if err != nil {
		return nil, err
	}
	return sess.scheduler.Subscribe(o), nil
}

// Snapshot returns the live snapshot of a tracked account, falling back to the stored one.
func (s *Service) Snapshot(ctx context.Context, accountID string) (account.Snapshot, error) {
	if sess, err := s.session(accountID); err == nil {
		if snap, ok := sess.scheduler.Latest(); ok {
			return snap, nil
		}
	}
	if s.repo == nil {
		return account.Snapshot{}, ErrNoSnapshot
	}
	snap, err := s.repo.Latest(ctx, accountID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return account.Snapshot{}, ErrNoSnapshot
	}
	return snap, err
}

// AvailableBalance returns the last known balance of asset for accountID as a decimal string.
func (s *Service) AvailableBalance(ctx context.Context, accountID string, asset account.Asset) (string, bool) {
	snap, err := s.Snapshot(ctx, accountID)
	if err != nil {
		return "", false
	}
	amount, ok := snap.Account.BalanceFor(asset)
	if !ok {
		return "", false
	}
	return amount.String(), true
}

// Status returns the session view of a tracked account.
func (s *Service) Status(accountID string) (TrackedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[accountID]
	if !ok {
		return TrackedAccount{}, ErrNotTracked
	}
	return view(accountID, sess), nil
}

// Tracked lists running sessions ordered by account id.
func (s *Service) Tracked() []TrackedAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackedAccount, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, view(id, sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (s *Service) session(accountID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[accountID]
	if !ok {
		return nil, ErrNotTracked
	}
	return sess, nil
}

func view(accountID string, sess *session) TrackedAccount {
	return TrackedAccount{
		AccountID: accountID,
		State:     sess.scheduler.State().String(),
		StartedAt: sess.startedAt,
	}
}
