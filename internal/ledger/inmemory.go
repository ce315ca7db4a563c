package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletsync/internal/account"
)

// CodeTxNoSource is returned when the bound source account does not exist.
const CodeTxNoSource = "tx_no_source_account"

// DefaultMinimumBalance is the starting balance an account-creation operation must deliver.
var DefaultMinimumBalance = decimal.NewFromInt(1)

type memAccount struct {
	sequence int64
	balances []account.Balance
	effects  []account.Effect // oldest first
}

func (a *memAccount) balanceIndex(asset account.Asset) int {
	for i, b := range a.balances {
		if b.Asset.Equal(asset) {
			return i
		}
	}
	return -1
}

// Network is a concurrency-safe in-memory ledger. It backs development mode and tests, and hands
// out Gateways bound to a source account.
type Network struct {
	mu         sync.RWMutex
	accounts   map[string]*memAccount
	streams    map[string]map[*memStream]struct{}
	minBalance decimal.Decimal
	ledgerSeq  int64
	pagingSeq  int64
	now        func() time.Time
}

// NewInMemory creates an empty in-memory ledger network.
func NewInMemory() *Network {
	return &Network{
		accounts:   make(map[string]*memAccount),
		streams:    make(map[string]map[*memStream]struct{}),
		minBalance: DefaultMinimumBalance,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetMinimumBalance changes the minimum starting balance for new accounts.
func (n *Network) SetMinimumBalance(d decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minBalance = d
}

// Gateway returns a Gateway that submits on behalf of source.
func (n *Network) Gateway(source string) Gateway {
	return &memGateway{network: n, source: source}
}

// Exists reports whether id is on the ledger.
func (n *Network) Exists(id string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.accounts[id]
	return ok
}

func (n *Network) account(ctx context.Context, id string) (account.Account, error) {
	if err := ctx.Err(); err != nil {
		return account.Account{}, &NetworkError{Op: "fetch account", Err: err}
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	acct, ok := n.accounts[id]
	if !ok {
		return account.Account{}, ErrNotFound
	}
	out := account.Account{ID: id, Sequence: acct.sequence, Balances: make([]account.Balance, len(acct.balances))}
	copy(out.Balances, acct.balances)
	return out, nil
}

func (n *Network) effects(ctx context.Context, id string, asset account.Asset) ([]account.Effect, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "fetch effects", Err: err}
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	acct, ok := n.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]account.Effect, 0, len(acct.effects))
	for i := len(acct.effects) - 1; i >= 0 && len(out) < defaultEffectsLimit; i-- {
		if acct.effects[i].Asset.Equal(asset) {
			out = append(out, acct.effects[i])
		}
	}
	return out, nil
}

func (n *Network) pay(ctx context.Context, source, destination string, amount decimal.Decimal, asset account.Asset, memo string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &NetworkError{Op: "submit payment", Err: err}
	}
	if !amount.IsPositive() {
		return Receipt{}, reject(CodeOpMalformed)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	src, ok := n.accounts[source]
	if !ok {
		return Receipt{}, &RejectionError{TransactionCode: CodeTxNoSource}
	}
	dst, ok := n.accounts[destination]
	if !ok {
		return Receipt{}, reject(CodeOpNoDestination)
	}

	srcIdx := src.balanceIndex(asset)
	if srcIdx < 0 || src.balances[srcIdx].Amount.LessThan(amount) {
		return Receipt{}, reject(CodeOpUnderfunded)
	}
	dstIdx := dst.balanceIndex(asset)
	if dstIdx < 0 {
		return Receipt{}, reject(CodeOpNoTrust)
	}

	src.balances[srcIdx].Amount = src.balances[srcIdx].Amount.Sub(amount)
	dst.balances[dstIdx].Amount = dst.balances[dstIdx].Amount.Add(amount)
	src.sequence++

	receipt := n.commit()
	at := n.now()
	src.effects = append(src.effects, n.effect(account.EffectAccountDebited, amount, asset, destination, memo, at))
	dst.effects = append(dst.effects, n.effect(account.EffectAccountCredited, amount, asset, source, memo, at))

	n.publish(Payment{
		ID:        receipt.Hash,
		Type:      OperationPayment,
		From:      source,
		To:        destination,
		Amount:    amount,
		Asset:     asset,
		Memo:      memo,
		CreatedAt: at,
	})
	return receipt, nil
}

func (n *Network) create(ctx context.Context, source, destination string, startingBalance decimal.Decimal) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &NetworkError{Op: "submit account creation", Err: err}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if startingBalance.LessThan(n.minBalance) {
		return Receipt{}, reject(CodeOpLowReserve)
	}
	src, ok := n.accounts[source]
	if !ok {
		return Receipt{}, &RejectionError{TransactionCode: CodeTxNoSource}
	}
	if _, exists := n.accounts[destination]; exists {
		return Receipt{}, reject(CodeOpAlreadyExists)
	}
	native := account.NativeAsset()
	srcIdx := src.balanceIndex(native)
	if srcIdx < 0 || src.balances[srcIdx].Amount.LessThan(startingBalance) {
		return Receipt{}, reject(CodeOpUnderfunded)
	}

	src.balances[srcIdx].Amount = src.balances[srcIdx].Amount.Sub(startingBalance)
	src.sequence++
	n.ledgerSeq++
	dst := &memAccount{
		sequence: n.ledgerSeq << 32,
		balances: []account.Balance{{Asset: native, Amount: startingBalance}},
	}
	n.accounts[destination] = dst

	receipt := n.commit()
	at := n.now()
	src.effects = append(src.effects, n.effect(account.EffectAccountDebited, startingBalance, native, destination, "", at))
	dst.effects = append(dst.effects, n.effect(account.EffectAccountCreated, startingBalance, native, source, "", at))

	n.publish(Payment{
		ID:        receipt.Hash,
		Type:      OperationCreateAcct,
		From:      source,
		To:        destination,
		Amount:    startingBalance,
		Asset:     native,
		CreatedAt: at,
	})
	return receipt, nil
}

// commit must be called with n.mu held.
func (n *Network) commit() Receipt {
	n.ledgerSeq++
	return Receipt{Hash: uuid.NewString(), Ledger: n.ledgerSeq}
}

// effect must be called with n.mu held.
func (n *Network) effect(t account.EffectType, amount decimal.Decimal, asset account.Asset, counterparty, memo string, at time.Time) account.Effect {
	n.pagingSeq++
	return account.Effect{
		ID:           fmt.Sprintf("%019d-%d", n.ledgerSeq, n.pagingSeq),
		Type:         t,
		Direction:    account.DirectionOf(t),
		Amount:       amount,
		Asset:        asset,
		Counterparty: counterparty,
		Memo:         memo,
		CreatedAt:    at,
	}
}

// publish must be called with n.mu held. Slow subscribers lose events rather than block the ledger.
func (n *Network) publish(p Payment) {
	p.PagingToken = fmt.Sprintf("%d", n.ledgerSeq)
	seen := make(map[*memStream]struct{})
	for _, id := range []string{p.From, p.To} {
		for s := range n.streams[id] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			select {
			case s.events <- StreamEvent{Kind: StreamPayment, Payment: p}:
			default:
			}
		}
	}
}

// subscribe opens a stream of payments involving accountID. Only payments committed after the
// call are delivered, whatever the cursor.
func (n *Network) subscribe(ctx context.Context, accountID string) (PaymentStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "subscribe payments", Err: err}
	}
	s := &memStream{
		network:   n,
		accountID: accountID,
		events:    make(chan StreamEvent, defaultStreamBacklog),
		closed:    make(chan struct{}),
	}

	n.mu.Lock()
	if n.streams[accountID] == nil {
		n.streams[accountID] = make(map[*memStream]struct{})
	}
	n.streams[accountID][s] = struct{}{}
	s.events <- StreamEvent{Kind: StreamOpened}
	n.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()
	return s, nil
}

type memStream struct {
	network   *Network
	accountID string
	events    chan StreamEvent
	closed    chan struct{}
	once      sync.Once
}

func (s *memStream) Events() <-chan StreamEvent { return s.events }

func (s *memStream) Close() error {
	s.once.Do(func() {
		s.network.mu.Lock()
		delete(s.network.streams[s.accountID], s)
		close(s.events)
		s.network.mu.Unlock()
		close(s.closed)
	})
	return nil
}

type memGateway struct {
	network *Network
	source  string
}

func (g *memGateway) FetchAccount(ctx context.Context, id string) (account.Account, error) {
	return g.network.account(ctx, id)
}

func (g *memGateway) FetchEffects(ctx context.Context, accountID string, asset account.Asset) ([]account.Effect, error) {
	return g.network.effects(ctx, accountID, asset)
}

func (g *memGateway) SubmitPayment(ctx context.Context, destination string, amount decimal.Decimal, asset account.Asset, memo string) (Receipt, error) {
	return g.network.pay(ctx, g.source, destination, amount, asset, memo)
}

func (g *memGateway) SubmitAccountCreation(ctx context.Context, destination string, startingBalance decimal.Decimal) (Receipt, error) {
	return g.network.create(ctx, g.source, destination, startingBalance)
}

func (g *memGateway) SubscribePayments(ctx context.Context, accountID, _ string) (PaymentStream, error) {
	return g.network.subscribe(ctx, accountID)
}
