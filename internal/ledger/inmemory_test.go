package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletsync/internal/account"
)

func TestInMemoryNetwork_PaymentMaintainsBalance(t *testing.T) {
	n := NewInMemory()
	ctx := context.Background()
	SeedAccount(n, "GA", Native("100"))
	SeedAccount(n, "GB", Native("5"))

	gw := n.Gateway("GA")
	if _, err := gw.SubmitPayment(ctx, "GB", decimal.RequireFromString("12.5"), account.NativeAsset(), "memo"); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	a, _ := gw.FetchAccount(ctx, "GA")
	b, _ := gw.FetchAccount(ctx, "GB")
	if got := a.Balances[0].Amount.String(); got != "87.5" {
		t.Fatalf("expected source balance 87.5, got %s", got)
	}
	if got := b.Balances[0].Amount.String(); got != "17.5" {
		t.Fatalf("expected destination balance 17.5, got %s", got)
	}
	if a.Sequence != 2 {
		t.Fatalf("expected source sequence to advance to 2, got %d", a.Sequence)
	}

	for _, id := range []string{"GA", "GB"} {
		effects, err := gw.FetchEffects(ctx, id, account.NativeAsset())
		if err != nil || len(effects) != 1 {
			t.Fatalf("effects for %s: %v %+v", id, err, effects)
		}
		if effects[0].Memo != "memo" {
			t.Fatalf("expected memo on %s effect, got %q", id, effects[0].Memo)
		}
	}
}

func TestInMemoryNetwork_FetchUnknownAccount(t *testing.T) {
	n := NewInMemory()
	if _, err := n.Gateway("GA").FetchAccount(context.Background(), "GMISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemoryNetwork_CreateAccount(t *testing.T) {
	n := NewInMemory()
	ctx := context.Background()
	SeedAccount(n, "GA", Native("100"))
	gw := n.Gateway("GA")

	if _, err := gw.SubmitAccountCreation(ctx, "GNEW", decimal.NewFromInt(50)); err != nil {
		t.Fatalf("create account: %v", err)
	}
	created, err := gw.FetchAccount(ctx, "GNEW")
	if err != nil {
		t.Fatalf("fetch created: %v", err)
	}
	if !created.Balances[0].Amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected starting balance 50, got %s", created.Balances[0].Amount)
	}

	effects, err := gw.FetchEffects(ctx, "GNEW", account.NativeAsset())
	if err != nil {
		t.Fatalf("fetch effects: %v", err)
	}
	if len(effects) != 1 || effects[0].Type != account.EffectAccountCreated {
		t.Fatalf("expected one account_created effect, got %+v", effects)
	}

	_, err = gw.SubmitAccountCreation(ctx, "GNEW", decimal.NewFromInt(5))
	var rej *RejectionError
	if !errors.As(err, &rej) || !rej.HasCode(CodeOpAlreadyExists) {
		t.Fatalf("expected op_already_exists, got %v", err)
	}
}

func TestInMemoryNetwork_Rejections(t *testing.T) {
	n := NewInMemory()
	ctx := context.Background()
	usd, _ := account.NewCreditAsset("USD", "ISSUER1")
	SeedAccount(n, "GA", Native("10"), account.Balance{Asset: usd, Amount: decimal.NewFromInt(3)})
	SeedAccount(n, "GB", Native("10"))
	gw := n.Gateway("GA")

	cases := []struct {
		name string
		run  func() error
		code string
	}{
		{"underfunded", func() error {
			_, err := gw.SubmitPayment(ctx, "GB", decimal.NewFromInt(11), account.NativeAsset(), "")
			return err
		}, CodeOpUnderfunded},
		{"no destination", func() error {
			_, err := gw.SubmitPayment(ctx, "GNOPE", decimal.NewFromInt(1), account.NativeAsset(), "")
			return err
		}, CodeOpNoDestination},
		{"no trust", func() error {
			_, err := gw.SubmitPayment(ctx, "GB", decimal.NewFromInt(1), usd, "")
			return err
		}, CodeOpNoTrust},
		{"low reserve", func() error {
			_, err := gw.SubmitAccountCreation(ctx, "GC", decimal.RequireFromString("0.5"))
			return err
		}, CodeOpLowReserve},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			var rej *RejectionError
			if !errors.As(err, &rej) || !rej.HasCode(tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if !IsRejection(err) || IsTransient(err) {
				t.Fatalf("rejection misclassified: %v", err)
			}
		})
	}
}

func TestInMemoryNetwork_ConcurrentPayments(t *testing.T) {
	n := NewInMemory()
	ctx := context.Background()
	SeedAccount(n, "GA", Native("1000"))
	SeedAccount(n, "GB", Native("0"))
	gw := n.Gateway("GA")

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := gw.SubmitPayment(ctx, "GB", decimal.NewFromInt(50), account.NativeAsset(), fmt.Sprintf("tx-%d", i)); err != nil {
				t.Errorf("payment %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	a, _ := gw.FetchAccount(ctx, "GA")
	b, _ := gw.FetchAccount(ctx, "GB")
	total := a.Balances[0].Amount.Add(b.Balances[0].Amount)
	if !total.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("ledger not balanced after concurrency, total=%s", total)
	}
	if a.Sequence != 1+workers {
		t.Fatalf("expected sequence %d, got %d", 1+workers, a.Sequence)
	}
}

func TestInMemoryNetwork_StreamDeliversPayments(t *testing.T) {
	n := NewInMemory()
	ctx := context.Background()
	SeedAccount(n, "GA", Native("100"))
	SeedAccount(n, "GB", Native("1"))

	stream, err := n.Gateway("GB").SubscribePayments(ctx, "GB", CursorNow)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	if ev := <-stream.Events(); ev.Kind != StreamOpened {
		t.Fatalf("expected opened event, got %s", ev.Kind)
	}

	if _, err := n.Gateway("GA").SubmitPayment(ctx, "GB", decimal.NewFromInt(7), account.NativeAsset(), "order-42"); err != nil {
		t.Fatalf("payment: %v", err)
	}

	select {
	case ev := <-stream.Events():
		if ev.Kind != StreamPayment || ev.Payment.To != "GB" || !ev.Payment.Amount.Equal(decimal.NewFromInt(7)) || ev.Payment.Memo != "order-42" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("payment event not delivered")
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, open := <-stream.Events(); open {
		t.Fatal("expected events channel to be closed")
	}
}

func TestInMemoryNetwork_StreamClosesWithContext(t *testing.T) {
	n := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := n.Gateway("GA").SubscribePayments(ctx, "GA", CursorNow)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-stream.Events()
	cancel()

	select {
	case _, open := <-stream.Events():
		if open {
			t.Fatal("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after context cancellation")
	}
}
