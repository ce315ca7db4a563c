package wallet

import (
	"time"

	"github.com/congo-pay/walletsync/internal/account"
)

// TrackedAccount describes one running sync session.
type TrackedAccount struct {
	AccountID string
	State     string
	StartedAt time.Time
}

// Balance is the display form of one asset balance.
type Balance struct {
	Asset   string `json:"asset"`
	Code    string `json:"code"`
	Balance string `json:"balance"`
}

// Activity is the display form of one effect.
type Activity struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Direction   string    `json:"direction"`
	Amount      string    `json:"amount"`
	Description string    `json:"description"`
	Memo        string    `json:"memo,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func balancesView(a account.Account) []Balance {
	out := make([]Balance, 0, len(a.Balances))
	for _, b := range a.Balances {
		out = append(out, Balance{Asset: b.Asset.String(), Code: b.Asset.ShortCode(), Balance: b.Formatted()})
	}
	return out
}

func activityView(effects []account.Effect) []Activity {
	out := make([]Activity, 0, len(effects))
	for _, e := range effects {
		out = append(out, Activity{
			ID:          e.ID,
			Type:        string(e.Type),
			Direction:   string(e.Direction),
			Amount:      account.FormatAmount(e.Amount),
			Description: e.Description(),
			Memo:        e.Memo,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}
