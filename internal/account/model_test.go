package account

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderHasSingleNativeZeroBalance(t *testing.T) {
	acct := Placeholder("GNEW")

	require.Len(t, acct.Balances, 1)
	assert.True(t, acct.Balances[0].Asset.IsNative())
	assert.True(t, acct.Balances[0].Amount.IsZero())
	assert.Equal(t, "GNEW", acct.ID)
}

func TestNormalizedSubstitutesEmptyBalances(t *testing.T) {
	acct := Account{ID: "GEMPTY", Sequence: 7}.Normalized()

	require.Len(t, acct.Balances, 1)
	assert.True(t, acct.Balances[0].Asset.IsNative())
	assert.Equal(t, int64(7), acct.Sequence)
}

func TestSnapshotRoundTripPreservesOrderAndDecimals(t *testing.T) {
	usd, err := NewCreditAsset("USD", "ISSUER1")
	require.NoError(t, err)
	long, err := NewCreditAsset("LONGERCODE", "ISSUER2")
	require.NoError(t, err)

	snap := Snapshot{
		AccountID: "GABC",
		Account: Account{
			ID:       "GABC",
			Sequence: 42,
			Balances: []Balance{
				{Asset: NativeAsset(), Amount: decimal.RequireFromString("12.3456789")},
				{Asset: usd, Amount: decimal.RequireFromString("0.0000001")},
				{Asset: long, Amount: decimal.RequireFromString("100")},
			},
		},
		Effects: []Effect{{
			ID:        "e1",
			Type:      EffectAccountCredited,
			Direction: DirectionCredit,
			Amount:    decimal.RequireFromString("10.5"),
			Asset:     usd,
			CreatedAt: time.Date(2018, 3, 9, 12, 0, 0, 0, time.UTC),
		}},
		AssetIndex: 1,
		UpdatedAt:  time.Date(2018, 3, 9, 12, 0, 1, 0, time.UTC),
	}

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	require.Len(t, decoded.Account.Balances, 3)
	for i, b := range snap.Account.Balances {
		got := decoded.Account.Balances[i]
		assert.True(t, got.Asset.Equal(b.Asset), "asset %d", i)
		assert.True(t, got.Amount.Equal(b.Amount), "balance %d: %s != %s", i, got.Amount, b.Amount)
	}
	assert.Equal(t, "12.3456789", decoded.Account.Balances[0].Amount.String())
	assert.Equal(t, AssetTypeCreditAlphanum12, decoded.Account.Balances[2].Asset.Type)
	require.Len(t, decoded.Effects, 1)
	assert.True(t, decoded.Effects[0].Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, 1, decoded.AssetIndex)
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	snap := Snapshot{Account: Placeholder("G1"), Effects: []Effect{{ID: "a"}}}
	clone := snap.Clone()

	clone.Account.Balances[0].Amount = decimal.NewFromInt(5)
	clone.Effects[0].ID = "b"

	assert.True(t, snap.Account.Balances[0].Amount.IsZero())
	assert.Equal(t, "a", snap.Effects[0].ID)
}

func TestParseAsset(t *testing.T) {
	native, err := ParseAsset("XLM")
	require.NoError(t, err)
	assert.True(t, native.IsNative())

	usd, err := ParseAsset("USD:ISSUER1")
	require.NoError(t, err)
	assert.Equal(t, Asset{Type: AssetTypeCreditAlphanum4, Code: "USD", Issuer: "ISSUER1"}, usd)
	assert.Equal(t, "USD:ISSUER1", usd.String())

	_, err = ParseAsset("USD")
	assert.True(t, errors.Is(err, ErrInvalidAsset))

	_, err = ParseAsset("THISCODEISTOOLONG:ISSUER")
	assert.True(t, errors.Is(err, ErrInvalidAsset))
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("10.5")
	require.NoError(t, err)
	assert.Equal(t, "10.5", d.String())

	for _, bad := range []string{"", "abc", "-1", "0.00000001", "922337203686"} {
		_, err := ParseAmount(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestBalanceFor(t *testing.T) {
	usd, _ := NewCreditAsset("USD", "ISSUER1")
	acct := Account{Balances: []Balance{
		{Asset: NativeAsset(), Amount: decimal.NewFromInt(3)},
		{Asset: usd, Amount: decimal.NewFromInt(9)},
	}}

	amount, ok := acct.BalanceFor(usd)
	require.True(t, ok)
	assert.True(t, amount.Equal(decimal.NewFromInt(9)))

	eur, _ := NewCreditAsset("EUR", "ISSUER1")
	_, ok = acct.BalanceFor(eur)
	assert.False(t, ok)
}
