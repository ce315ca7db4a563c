package account

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is an (asset, amount) pair as reported by the ledger.
type Balance struct {
	Asset  Asset
	Amount decimal.Decimal
}

type balanceJSON struct {
	AssetType   AssetType       `json:"asset_type"`
	AssetCode   string          `json:"asset_code,omitempty"`
	AssetIssuer string          `json:"asset_issuer,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
}

// MarshalJSON flattens the asset next to the balance, the way the ledger reports it.
func (b Balance) MarshalJSON() ([]byte, error) {
	assetType := b.Asset.Type
	if assetType == "" {
		assetType = AssetTypeNative
	}
	return json.Marshal(balanceJSON{
		AssetType:   assetType,
		AssetCode:   b.Asset.Code,
		AssetIssuer: b.Asset.Issuer,
		Balance:     b.Amount,
	})
}

func (b *Balance) UnmarshalJSON(data []byte) error {
	var aux balanceJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	b.Asset = Asset{Type: aux.AssetType, Code: aux.AssetCode, Issuer: aux.AssetIssuer}
	if b.Asset.Type == "" {
		b.Asset.Type = AssetTypeNative
	}
	b.Amount = aux.Balance
	return nil
}

// Formatted renders the balance amount for display.
func (b Balance) Formatted() string {
	return FormatAmount(b.Amount)
}

// Account is the local view of a ledger account. Balances keep the ledger's order; index 0 is
// conventionally the native asset.
type Account struct {
	ID       string    `json:"account_id"`
	Sequence int64     `json:"sequence"`
	Balances []Balance `json:"balances"`
}

// Placeholder is the account shown for an id the ledger does not know yet: a single zero
// native balance.
func Placeholder(id string) Account {
	return Account{
		ID:       id,
		Balances: []Balance{{Asset: NativeAsset(), Amount: decimal.Zero}},
	}
}

// Normalized guarantees at least one balance so an asset index of 0 is always valid.
func (a Account) Normalized() Account {
	if len(a.Balances) > 0 {
		return a
	}
	p := Placeholder(a.ID)
	p.Sequence = a.Sequence
	return p
}

// Clone returns a copy that shares no slices with a.
func (a Account) Clone() Account {
	out := a
	if a.Balances != nil {
		out.Balances = make([]Balance, len(a.Balances))
		copy(out.Balances, a.Balances)
	}
	return out
}

// BalanceFor returns the balance held in asset.
func (a Account) BalanceFor(asset Asset) (decimal.Decimal, bool) {
	for _, b := range a.Balances {
		if b.Asset.Equal(asset) {
			return b.Amount, true
		}
	}
	return decimal.Zero, false
}

// EffectType names the kind of balance-affecting event.
type EffectType string

const (
	EffectAccountCreated  EffectType = "account_created"
	EffectAccountCredited EffectType = "account_credited"
	EffectAccountDebited  EffectType = "account_debited"
)

// Direction is relative to the account owning the effect.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// DirectionOf maps an effect type to its direction.
func DirectionOf(t EffectType) Direction {
	if t == EffectAccountDebited {
		return DirectionDebit
	}
	return DirectionCredit
}

// Effect is an immutable record of a past ledger event for an account.
type Effect struct {
	ID           string          `json:"id"`
	Type         EffectType      `json:"type"`
	Direction    Direction       `json:"direction"`
	Amount       decimal.Decimal `json:"amount"`
	Asset        Asset           `json:"asset"`
	Counterparty string          `json:"counterparty,omitempty"`
	Memo         string          `json:"memo,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Description is the one-line activity label for the effect.
func (e Effect) Description() string {
	switch e.Type {
	case EffectAccountCreated:
		return "Account created"
	case EffectAccountDebited:
		return "Sent " + e.Asset.ShortCode()
	default:
		return "Received " + e.Asset.ShortCode()
	}
}

// Snapshot is what observers receive: the account, the effects of the selected asset and
// whether a refresh is pending.
type Snapshot struct {
	AccountID  string    `json:"account_id"`
	Account    Account   `json:"account"`
	Effects    []Effect  `json:"effects"`
	AssetIndex int       `json:"asset_index"`
	Loading    bool      `json:"loading"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone deep-copies the snapshot so receivers cannot mutate the publisher's state.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Account = s.Account.Clone()
	if s.Effects != nil {
		out.Effects = make([]Effect, len(s.Effects))
		copy(out.Effects, s.Effects)
	}
	return out
}

// SelectedAsset returns the asset at AssetIndex, or the native asset if the index is stale.
func (s Snapshot) SelectedAsset() Asset {
	if s.AssetIndex >= 0 && s.AssetIndex < len(s.Account.Balances) {
		return s.Account.Balances[s.AssetIndex].Asset
	}
	return NativeAsset()
}
