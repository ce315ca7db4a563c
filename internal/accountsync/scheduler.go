package accountsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/congo-pay/walletsync/internal/account"
	"github.com/congo-pay/walletsync/internal/ledger"
	"github.com/congo-pay/walletsync/internal/logging"
	"github.com/congo-pay/walletsync/internal/notification"
)

const (
	// DefaultInterval is the polling period until live data arrives.
	DefaultInterval = 30 * time.Second
	// DefaultDebounce delays the refresh that follows an asset switch.
	DefaultDebounce = 500 * time.Millisecond

	triggerBacklog = 16
)

var (
	ErrAlreadyStarted = errors.New("sync session already started")
	ErrNotStarted     = errors.New("sync session not started")
	ErrStopped        = errors.New("sync session stopped")
	ErrAssetIndex     = errors.New("asset index out of range")
	ErrNoAccount      = errors.New("no account to track")
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateLiveTracking
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateLiveTracking:
		return "live_tracking"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options tunes a Scheduler. Zero values take defaults.
type Options struct {
	Interval      time.Duration
	Debounce      time.Duration
	NewTicker     func(time.Duration) Ticker
	AccountSource AccountSource
	Notifier      notification.Notifier
	Logger        *slog.Logger
	// Cursor is where the payment subscription starts. Defaults to "now".
	Cursor string
}

type triggerKind int

const (
	triggerTick triggerKind = iota
	triggerRefresh
	triggerPayment
	triggerStreamOpened
	triggerStreamError
	triggerSwitch
	triggerDebounced
)

type trigger struct {
	kind    triggerKind
	payment ledger.Payment
	err     error
	index   int
	gen     uint64
}

// Scheduler keeps one account's snapshot in sync with the ledger. Ticks, stream events, manual
// refreshes and asset switches all go through one trigger channel drained by a single loop, so
// fetches for the account never overlap.
type Scheduler struct {
	gateway ledger.Gateway
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	accountID string
	observers map[uint64]Observer
	nextObsID uint64
	latest    account.Snapshot
	hasLatest bool
	ctx       context.Context
	cancel    context.CancelFunc
	triggers  chan trigger
	ticker    Ticker
	loopDone  chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// owned by the loop goroutine
	acct        account.Account
	effects     []account.Effect
	assetIndex  int
	live        bool
	stopPolling chan struct{}
	debounce    *time.Timer
	switchGen   uint64
}

// New builds an idle Scheduler over gateway.
func New(gateway ledger.Gateway, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTicker
	}
	if opts.Cursor == "" {
		opts.Cursor = ledger.CursorNow
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		gateway:   gateway,
		opts:      opts,
		logger:    logger,
		observers: make(map[uint64]Observer),
	}
}

// Subscribe registers o and returns a function that removes it.
func (s *Scheduler) Subscribe(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AccountID returns the tracked account, empty before Start.
func (s *Scheduler) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// Latest returns a copy of the last published snapshot.
func (s *Scheduler) Latest() (account.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLatest {
		return account.Snapshot{}, false
	}
	return s.latest.Clone(), true
}

// Start opens the payment subscription, starts the polling clock and queues the initial
// reconciliation. An empty accountID is resolved through Options.AccountSource. The session
// outlives ctx; only Stop ends it.
func (s *Scheduler) Start(ctx context.Context, accountID string) error {
	if accountID == "" {
		if s.opts.AccountSource == nil {
			return ErrNoAccount
		}
		id, err := s.opts.AccountSource.AccountID(ctx)
		if err != nil {
			return fmt.Errorf("resolve account: %w", err)
		}
		if id == "" {
			return ErrNoAccount
		}
		accountID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStopped:
		return ErrStopped
	case StatePolling, StateLiveTracking:
		return ErrAlreadyStarted
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.accountID = accountID
	s.ctx = sessionCtx
	s.cancel = cancel
	s.triggers = make(chan trigger, triggerBacklog)
	s.ticker = s.opts.NewTicker(s.opts.Interval)
	s.loopDone = make(chan struct{})
	s.stopPolling = make(chan struct{})
	s.state = StatePolling

	s.triggers <- trigger{kind: triggerRefresh}

	s.wg.Add(2)
	go s.pumpTicks(sessionCtx, s.ticker, s.stopPolling)
	go s.pumpStream(sessionCtx, accountID)
	go s.loop(sessionCtx)

	s.logger.Info("sync session started", slog.String("account_id", accountID))
	return nil
}

// Stop ends the session: the clock and subscription are closed, in-flight fetches are
// cancelled and their results dropped. No observer callback runs after Stop returns.
// Safe to call repeatedly; must not be called from an observer callback.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateStopped
		cancel, ticker, done := s.cancel, s.ticker, s.loopDone
		s.mu.Unlock()

		if prev == StateIdle {
			return
		}
		cancel()
		ticker.Stop()
		<-done
		s.wg.Wait()
		s.logger.Info("sync session stopped", slog.String("account_id", s.AccountID()))
	})
}

// RefreshNow queues one reconciliation outside the schedule. When triggers are already
// queued the request is coalesced with them.
func (s *Scheduler) RefreshNow() error {
	ctx, triggers, err := s.running()
	if err != nil {
		return err
	}
	select {
	case triggers <- trigger{kind: triggerRefresh}:
	case <-ctx.Done():
		return ErrStopped
	default:
	}
	return nil
}

// SwitchAsset selects the balance whose effects are tracked. Effects are cleared, a loading
// snapshot is published and one debounced refresh follows.
func (s *Scheduler) SwitchAsset(index int) error {
	s.mu.Lock()
	count := 1
	if s.hasLatest {
		count = len(s.latest.Account.Balances)
	}
	s.mu.Unlock()
	if index < 0 || index >= count {
		return ErrAssetIndex
	}

	ctx, triggers, err := s.running()
	if err != nil {
		return err
	}
	select {
	case triggers <- trigger{kind: triggerSwitch, index: index}:
		return nil
	case <-ctx.Done():
		return ErrStopped
	}
}

func (s *Scheduler) running() (context.Context, chan trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		return nil, nil, ErrNotStarted
	case StateStopped:
		return nil, nil, ErrStopped
	}
	return s.ctx, s.triggers, nil
}

func (s *Scheduler) send(ctx context.Context, t trigger) bool {
	select {
	case s.triggers <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) pumpTicks(ctx context.Context, ticker Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C():
			if !s.send(ctx, trigger{kind: triggerTick}) {
				return
			}
		}
	}
}

func (s *Scheduler) pumpStream(ctx context.Context, accountID string) {
	defer s.wg.Done()
	stream, err := s.gateway.SubscribePayments(ctx, accountID, s.opts.Cursor)
	if err != nil {
		if ctx.Err() == nil {
			s.send(ctx, trigger{kind: triggerStreamError, err: fmt.Errorf("subscribe payments: %w", err)})
		}
		return
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			var t trigger
			switch ev.Kind {
			case ledger.StreamOpened:
				t = trigger{kind: triggerStreamOpened}
			case ledger.StreamPayment:
				if !ev.Payment.Involves(accountID) {
					continue
				}
				t = trigger{kind: triggerPayment, payment: ev.Payment}
			case ledger.StreamError:
				t = trigger{kind: triggerStreamError, err: ev.Err}
			default:
				continue
			}
			if !s.send(ctx, t) {
				return
			}
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	defer func() {
		if s.debounce != nil {
			s.debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.triggers:
			s.handle(ctx, t)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, t trigger) {
	switch t.kind {
	case triggerTick:
		if s.live {
			return
		}
		s.refresh(ctx)
	case triggerRefresh:
		s.refresh(ctx)
	case triggerPayment:
		s.goLive()
		s.notifyReceived(ctx, t.payment)
		s.refresh(ctx)
	case triggerStreamOpened:
		s.logger.Debug("payment stream opened", slog.String("account_id", s.accountID))
	case triggerStreamError:
		s.fail(ctx, t.err)
	case triggerSwitch:
		s.switchAsset(ctx, t.index)
	case triggerDebounced:
		if t.gen != s.switchGen {
			return
		}
		s.refresh(ctx)
	}
}

// goLive stops polling for good the first time live data arrives.
func (s *Scheduler) goLive() {
	if s.live {
		return
	}
	s.live = true
	close(s.stopPolling)
	s.ticker.Stop()

	s.mu.Lock()
	if s.state == StatePolling {
		s.state = StateLiveTracking
	}
	s.mu.Unlock()
	s.logger.Info("sync session live", slog.String("account_id", s.accountID))
}

func (s *Scheduler) switchAsset(ctx context.Context, index int) {
	if index < 0 || index >= len(s.acct.Normalized().Balances) {
		s.fail(ctx, ErrAssetIndex)
		return
	}
	s.assetIndex = index
	s.effects = nil
	s.publish(ctx, true)

	s.switchGen++
	gen := s.switchGen
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.opts.Debounce, func() {
		s.send(ctx, trigger{kind: triggerDebounced, gen: gen})
	})
}

// refresh fetches the account and the selected asset's effects, then publishes both together.
// Nothing is published when either fetch fails or the session is cancelled meanwhile.
func (s *Scheduler) refresh(ctx context.Context) {
	acct, err := s.gateway.FetchAccount(ctx, s.accountID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		acct = account.Placeholder(s.accountID)
	case err != nil:
		s.fail(ctx, fmt.Errorf("fetch account: %w", err))
		return
	}
	acct = acct.Normalized()

	index := s.assetIndex
	if index >= len(acct.Balances) {
		index = 0
	}
	effects, err := s.gateway.FetchEffects(ctx, s.accountID, acct.Balances[index].Asset)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		s.fail(ctx, fmt.Errorf("fetch effects: %w", err))
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.acct = acct
	s.effects = effects
	s.assetIndex = index
	s.publish(ctx, false)
}

func (s *Scheduler) publish(ctx context.Context, loading bool) {
	snap := account.Snapshot{
		AccountID:  s.accountID,
		Account:    s.acct.Normalized(),
		Effects:    s.effects,
		AssetIndex: s.assetIndex,
		Loading:    loading,
		UpdatedAt:  time.Now().UTC(),
	}
	if snap.Account.ID == "" {
		snap.Account.ID = s.accountID
	}
	snap = snap.Clone()

	s.mu.Lock()
	if s.state == StateStopped || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.latest = snap
	s.hasLatest = true
	observers := s.observerList()
	s.mu.Unlock()

	for _, o := range observers {
		o.OnSnapshot(snap.Clone())
	}
}

func (s *Scheduler) fail(ctx context.Context, err error) {
	s.mu.Lock()
	if s.state == StateStopped || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	observers := s.observerList()
	s.mu.Unlock()

	s.logger.Warn("sync soft failure", slog.String("account_id", s.accountID), slog.Any("error", err))
	for _, o := range observers {
		o.OnError(err)
	}
}

// observerList must be called with s.mu held.
func (s *Scheduler) observerList() []Observer {
	out := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		out = append(out, o)
	}
	return out
}

func (s *Scheduler) notifyReceived(ctx context.Context, p ledger.Payment) {
	if p.To != s.accountID || p.From == s.accountID {
		return
	}
	notification.Deliver(ctx, s.opts.Notifier, s.logger, notification.Message{
		Kind:        notification.KindPaymentReceived,
		Destination: s.accountID,
		Body:        fmt.Sprintf("received %s %s from %s", account.FormatAmount(p.Amount), p.Asset.ShortCode(), p.From),
	})
}
