package accountsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletsync/internal/account"
	"github.com/congo-pay/walletsync/internal/ledger"
	"github.com/congo-pay/walletsync/internal/notification"
)

const waitFor = 2 * time.Second

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time)}
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

// Tick fires the clock and reports whether anyone consumed it.
func (f *fakeTicker) Tick() bool {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case f.ch <- time.Now():
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}

type countingGateway struct {
	ledger.Gateway

	accountCalls atomic.Int32
	effectsCalls atomic.Int32
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
	delay        time.Duration

	mu           sync.Mutex
	accountErrs  []error
	subscribeErr error
}

func (g *countingGateway) enter() func() {
	n := g.inFlight.Add(1)
	for {
		cur := g.maxInFlight.Load()
		if n <= cur || g.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	return func() { g.inFlight.Add(-1) }
}

func (g *countingGateway) FetchAccount(ctx context.Context, id string) (account.Account, error) {
	defer g.enter()()
	g.accountCalls.Add(1)
	g.mu.Lock()
	if len(g.accountErrs) > 0 {
		err := g.accountErrs[0]
		g.accountErrs = g.accountErrs[1:]
		g.mu.Unlock()
		return account.Account{}, err
	}
	g.mu.Unlock()
	return g.Gateway.FetchAccount(ctx, id)
}

func (g *countingGateway) FetchEffects(ctx context.Context, id string, asset account.Asset) ([]account.Effect, error) {
	defer g.enter()()
	g.effectsCalls.Add(1)
	return g.Gateway.FetchEffects(ctx, id, asset)
}

func (g *countingGateway) SubscribePayments(ctx context.Context, id, cursor string) (ledger.PaymentStream, error) {
	g.mu.Lock()
	err := g.subscribeErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.Gateway.SubscribePayments(ctx, id, cursor)
}

type recorder struct {
	snapshots chan account.Snapshot
	errs      chan error
	calls     atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{snapshots: make(chan account.Snapshot, 256), errs: make(chan error, 64)}
}

func (r *recorder) OnSnapshot(s account.Snapshot) {
	r.calls.Add(1)
	r.snapshots <- s
}

func (r *recorder) OnError(err error) {
	r.calls.Add(1)
	r.errs <- err
}

func (r *recorder) next(t *testing.T) account.Snapshot {
	t.Helper()
	select {
	case s := <-r.snapshots:
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for snapshot")
		return account.Snapshot{}
	}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

type harness struct {
	network *ledger.Network
	gateway *countingGateway
	ticker  *fakeTicker
	rec     *recorder
	sched   *Scheduler
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	n := ledger.NewInMemory()
	h := &harness{
		network: n,
		gateway: &countingGateway{Gateway: n.Gateway("GFUNDER")},
		ticker:  newFakeTicker(),
		rec:     newRecorder(),
	}
	opts.NewTicker = func(time.Duration) Ticker { return h.ticker }
	h.sched = New(h.gateway, opts)
	h.sched.Subscribe(h.rec)
	t.Cleanup(h.sched.Stop)
	return h
}

func TestSchedulerPublishesPlaceholderForUnknownAccount(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sched.Start(context.Background(), "GUNFUNDED"))

	snap := h.rec.next(t)
	require.Len(t, snap.Account.Balances, 1)
	assert.True(t, snap.Account.Balances[0].Asset.IsNative())
	assert.True(t, snap.Account.Balances[0].Amount.IsZero())
	assert.Empty(t, snap.Effects)
	assert.False(t, snap.Loading)
	assert.Equal(t, StatePolling, h.sched.State())
}

func TestSchedulerSnapshotSurvivesJSONRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	usd, _ := account.NewCreditAsset("USD", "ISSUER1")
	ledger.SeedAccount(h.network, "GA",
		ledger.Native("12.3456789"),
		account.Balance{Asset: usd, Amount: decimal.RequireFromString("0.0000001")},
	)
	require.NoError(t, h.sched.Start(context.Background(), "GA"))

	snap := h.rec.next(t)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var back account.Snapshot
	require.NoError(t, json.Unmarshal(raw, &back))

	require.Len(t, back.Account.Balances, 2)
	assert.True(t, back.Account.Balances[0].Asset.IsNative())
	assert.True(t, back.Account.Balances[0].Amount.Equal(decimal.RequireFromString("12.3456789")))
	assert.True(t, back.Account.Balances[1].Asset.Equal(usd))
}

func TestSchedulerStopsPollingOnceLive(t *testing.T) {
	h := newHarness(t, Options{})
	ledger.SeedAccount(h.network, "GFUNDER", ledger.Native("1000"))
	ledger.SeedAccount(h.network, "GB", ledger.Native("100"))
	require.NoError(t, h.sched.Start(context.Background(), "GB"))

	h.rec.next(t)
	require.Eventually(t, func() bool { return ledger.Subscribers(h.network, "GB") == 1 }, waitFor, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		require.True(t, h.ticker.Tick())
		h.rec.next(t)
	}
	require.EqualValues(t, 3, h.gateway.accountCalls.Load())

	_, err := h.network.Gateway("GFUNDER").SubmitPayment(context.Background(), "GB", decimal.NewFromInt(5), account.NativeAsset(), "")
	require.NoError(t, err)

	snap := h.rec.next(t)
	assert.True(t, snap.Account.Balances[0].Amount.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, StateLiveTracking, h.sched.State())
	before := h.gateway.accountCalls.Load()

	for i := 0; i < 5; i++ {
		assert.False(t, h.ticker.Tick(), "tick %d delivered after live data", i)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, h.gateway.accountCalls.Load())
	assert.Equal(t, StateLiveTracking, h.sched.State())
}

func TestSchedulerStopSilencesCallbacks(t *testing.T) {
	h := newHarness(t, Options{})
	ledger.SeedAccount(h.network, "GFUNDER", ledger.Native("1000"))
	ledger.SeedAccount(h.network, "GB", ledger.Native("1"))
	require.NoError(t, h.sched.Start(context.Background(), "GB"))
	h.rec.next(t)
	require.Eventually(t, func() bool { return ledger.Subscribers(h.network, "GB") == 1 }, waitFor, 5*time.Millisecond)

	h.sched.Stop()
	h.sched.Stop()
	assert.Equal(t, StateStopped, h.sched.State())
	calls := h.rec.calls.Load()

	_, err := h.network.Gateway("GFUNDER").SubmitPayment(context.Background(), "GB", decimal.NewFromInt(1), account.NativeAsset(), "")
	require.NoError(t, err)
	assert.False(t, h.ticker.Tick())
	assert.ErrorIs(t, h.sched.RefreshNow(), ErrStopped)
	assert.ErrorIs(t, h.sched.Start(context.Background(), "GB"), ErrStopped)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.rec.calls.Load())
	assert.Zero(t, ledger.Subscribers(h.network, "GB"))
}

func TestSchedulerAssetSwitchIsDebounced(t *testing.T) {
	h := newHarness(t, Options{Debounce: 30 * time.Millisecond})
	usd, _ := account.NewCreditAsset("USD", "ISSUER1")
	ledger.SeedAccount(h.network, "GA", ledger.Native("10"), account.Balance{Asset: usd, Amount: decimal.NewFromInt(3)})
	require.NoError(t, h.sched.Start(context.Background(), "GA"))
	h.rec.next(t)
	base := h.gateway.effectsCalls.Load()

	require.NoError(t, h.sched.SwitchAsset(1))
	require.NoError(t, h.sched.SwitchAsset(0))
	require.NoError(t, h.sched.SwitchAsset(1))
	assert.ErrorIs(t, h.sched.SwitchAsset(2), ErrAssetIndex)

	loading := 0
	var final account.Snapshot
	for {
		snap := h.rec.next(t)
		if !snap.Loading {
			final = snap
			break
		}
		loading++
		assert.Empty(t, snap.Effects)
	}
	assert.Equal(t, 3, loading)
	assert.Equal(t, 1, final.AssetIndex)
	assert.True(t, final.SelectedAsset().Equal(usd))

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, h.gateway.effectsCalls.Load()-base)
}

func TestSchedulerSoftFailureKeepsPolling(t *testing.T) {
	h := newHarness(t, Options{})
	ledger.SeedAccount(h.network, "GA", ledger.Native("10"))
	h.gateway.accountErrs = []error{&ledger.NetworkError{Op: "fetch account", Err: errors.New("timeout")}}
	require.NoError(t, h.sched.Start(context.Background(), "GA"))

	err := h.rec.nextError(t)
	assert.True(t, ledger.IsTransient(err))
	_, ok := h.sched.Latest()
	assert.False(t, ok)

	require.True(t, h.ticker.Tick())
	snap := h.rec.next(t)
	assert.True(t, snap.Account.Balances[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, StatePolling, h.sched.State())
}

func TestSchedulerSubscriptionFailureIsSurfaced(t *testing.T) {
	h := newHarness(t, Options{})
	ledger.SeedAccount(h.network, "GA", ledger.Native("10"))
	h.gateway.subscribeErr = &ledger.NetworkError{Op: "subscribe payments", Err: errors.New("refused")}
	require.NoError(t, h.sched.Start(context.Background(), "GA"))

	h.rec.next(t)
	err := h.rec.nextError(t)
	assert.True(t, ledger.IsTransient(err))

	require.True(t, h.ticker.Tick())
	h.rec.next(t)
	assert.Equal(t, StatePolling, h.sched.State())
}

func TestSchedulerFetchesNeverOverlap(t *testing.T) {
	h := newHarness(t, Options{})
	h.gateway.delay = 5 * time.Millisecond
	ledger.SeedAccount(h.network, "GA", ledger.Native("10"))
	require.NoError(t, h.sched.Start(context.Background(), "GA"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.sched.RefreshNow()
		}()
		go func() {
			defer wg.Done()
			h.ticker.Tick()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.gateway.accountCalls.Load() >= 5 }, waitFor, 5*time.Millisecond)
	h.sched.Stop()
	assert.EqualValues(t, 1, h.gateway.maxInFlight.Load())
}

type fixedSource string

func (f fixedSource) AccountID(context.Context) (string, error) { return string(f), nil }

func TestSchedulerResolvesAccountFromSource(t *testing.T) {
	h := newHarness(t, Options{AccountSource: fixedSource("GKEYCHAIN")})
	assert.ErrorIs(t, h.sched.RefreshNow(), ErrNotStarted)

	require.NoError(t, h.sched.Start(context.Background(), ""))
	assert.ErrorIs(t, h.sched.Start(context.Background(), ""), ErrAlreadyStarted)

	snap := h.rec.next(t)
	assert.Equal(t, "GKEYCHAIN", snap.AccountID)
	assert.Equal(t, "GKEYCHAIN", h.sched.AccountID())

	bare := New(h.gateway, Options{})
	assert.ErrorIs(t, bare.Start(context.Background(), ""), ErrNoAccount)
}

type captureNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (c *captureNotifier) Send(_ context.Context, m notification.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return nil
}

func (c *captureNotifier) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.Kind)
	}
	return out
}

func TestSchedulerNotifiesIncomingPayments(t *testing.T) {
	notifier := &captureNotifier{}
	h := newHarness(t, Options{Notifier: notifier})
	ledger.SeedAccount(h.network, "GFUNDER", ledger.Native("1000"))
	ledger.SeedAccount(h.network, "GB", ledger.Native("1"))
	require.NoError(t, h.sched.Start(context.Background(), "GB"))
	h.rec.next(t)
	require.Eventually(t, func() bool { return ledger.Subscribers(h.network, "GB") == 1 }, waitFor, 5*time.Millisecond)

	_, err := h.network.Gateway("GFUNDER").SubmitPayment(context.Background(), "GB", decimal.NewFromInt(2), account.NativeAsset(), "")
	require.NoError(t, err)
	h.rec.next(t)

	assert.Equal(t, []string{notification.KindPaymentReceived}, notifier.kinds())
}
