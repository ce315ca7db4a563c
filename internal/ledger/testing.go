package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletsync/internal/account"
)

// SeedAccount creates (or replaces) an account on the in-memory network with the given balances.
// A native balance is added first when none is supplied.
func SeedAccount(n *Network, id string, balances ...account.Balance) {
	n.mu.Lock()
	defer n.mu.Unlock()

	acct := &memAccount{sequence: 1}
	hasNative := false
	for _, b := range balances {
		if b.Asset.IsNative() {
			hasNative = true
		}
	}
	if !hasNative {
		acct.balances = append(acct.balances, account.Balance{Asset: account.NativeAsset(), Amount: decimal.Zero})
	}
	acct.balances = append(acct.balances, balances...)
	n.accounts[id] = acct
}

// AddTrustline lets id hold asset, starting from a zero balance.
func AddTrustline(n *Network, id string, asset account.Asset) {
	n.mu.Lock()
	defer n.mu.Unlock()

	acct, ok := n.accounts[id]
	if !ok || acct.balanceIndex(asset) >= 0 {
		return
	}
	acct.balances = append(acct.balances, account.Balance{Asset: asset, Amount: decimal.Zero})
}

// Native is shorthand for a native balance in tests and dev seeding.
func Native(amount string) account.Balance {
	return account.Balance{Asset: account.NativeAsset(), Amount: decimal.RequireFromString(amount)}
}

// Subscribers reports how many payment streams are open for id.
func Subscribers(n *Network, id string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.streams[id])
}
