package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newTestBroker(t *testing.T, opts ...PaperOption) (*PaperBroker, *clock.Virtual) {
	t.Helper()
	clk := clock.NewVirtual(time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()
	base := []PaperOption{WithClock(clk), WithLogger(logger)}
	b := NewPaperBroker(append(base, opts...)...)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b, clk
}

func marketOrder(id, symbol string, side schema.OrderSide, qty string) schema.Order {
	return schema.NewMarketOrder(id, symbol, side, d(qty), decimal.Zero, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC))
}

func TestPaperBrokerBuyFillsAtMarket(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t,
		WithStartingCash(d("100000")),
		WithCommission(CommissionSchedule{PerShare: d("0.01")}),
	)
	b.UpdateMarketPrices(map[string]decimal.Decimal{"AAPL": d("150")})

	order, err := b.SubmitOrder(ctx, marketOrder("o-1", "AAPL", schema.OrderSideBuy, "10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != schema.OrderStatusFilled {
		t.Fatalf("expected filled, got %s", order.Status)
	}
	if order.VenueOrderID == "" {
		t.Fatal("expected venue order id to be assigned")
	}

	cash, _ := b.Balance(ctx)
	if !cash.Equal(d("98499.9")) {
		t.Fatalf("expected cash 98499.9, got %s", cash)
	}
	pos, ok, _ := b.Position(ctx, "AAPL")
	if !ok {
		t.Fatal("expected AAPL position")
	}
	if !pos.Quantity.Equal(d("10")) || !pos.AvgPrice.Equal(d("150")) {
		t.Fatalf("expected 10 @ 150, got %s @ %s", pos.Quantity, pos.AvgPrice)
	}

	byVenue, err := b.OrderStatus(ctx, order.VenueOrderID)
	if err != nil || byVenue.ID != "o-1" {
		t.Fatalf("expected lookup by venue id, got %+v err=%v", byVenue, err)
	}
	if history := b.TradeHistory(); len(history) != 1 {
		t.Fatalf("expected 1 filled order in history, got %d", len(history))
	}
}

func TestPaperBrokerRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient funds", func(t *testing.T) {
		b, _ := newTestBroker(t, WithStartingCash(d("1000")))
		b.UpdateMarketPrices(map[string]decimal.Decimal{"AAPL": d("150")})

		order, err := b.SubmitOrder(ctx, marketOrder("o-1", "AAPL", schema.OrderSideBuy, "10"))
		if got := errs.Classify(err); got != errs.DispositionHalt {
			t.Fatalf("expected halt disposition, got %s (%v)", got, err)
		}
		if order.Status != schema.OrderStatusRejected || order.ErrorMessage == "" {
			t.Fatalf("expected rejected order with reason, got %s %q", order.Status, order.ErrorMessage)
		}
		cash, _ := b.Balance(ctx)
		if !cash.Equal(d("1000")) {
			t.Fatalf("expected cash unchanged, got %s", cash)
		}
		stored, _ := b.OrderStatus(ctx, "o-1")
		if stored.Status != schema.OrderStatusRejected {
			t.Fatalf("expected ledger to hold rejected order, got %s", stored.Status)
		}
	})

	t.Run("no price", func(t *testing.T) {
		b, _ := newTestBroker(t)
		_, err := b.SubmitOrder(ctx, marketOrder("o-1", "MSFT", schema.OrderSideBuy, "1"))
		if got := errs.Classify(err); got != errs.DispositionDrop {
			t.Fatalf("expected drop disposition, got %s", got)
		}
		if !errs.HasCanonical(err, errs.CanonicalNoPrice) {
			t.Fatalf("expected no_price canonical code, got %v", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		b, _ := newTestBroker(t)
		_ = b.Close(ctx)
		_, err := b.SubmitOrder(ctx, marketOrder("o-1", "AAPL", schema.OrderSideBuy, "1"))
		if got := errs.Classify(err); got != errs.DispositionRetry {
			t.Fatalf("expected retry disposition, got %s", got)
		}
		if err := b.HealthCheck(ctx); err == nil {
			t.Fatal("expected health check to fail while disconnected")
		}
	})
}

func TestPaperBrokerThrottle(t *testing.T) {
	ctx := context.Background()
	b, clk := newTestBroker(t, WithOrderRate(1, 1))
	b.UpdateMarketPrices(map[string]decimal.Decimal{"AAPL": d("10")})

	if _, err := b.SubmitOrder(ctx, marketOrder("o-1", "AAPL", schema.OrderSideBuy, "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := b.SubmitOrder(ctx, marketOrder("o-2", "AAPL", schema.OrderSideBuy, "1"))
	if got := errs.Classify(err); got != errs.DispositionThrottle {
		t.Fatalf("expected throttle disposition, got %s", got)
	}
	wait, ok := errs.RetryAfter(err)
	if !ok || wait <= 0 || wait > time.Second {
		t.Fatalf("expected retry-after within 1s, got %s", wait)
	}

	clk.Advance(time.Second)
	if _, err := b.SubmitOrder(ctx, marketOrder("o-2", "AAPL", schema.OrderSideBuy, "1")); err != nil {
		t.Fatalf("expected order after wait to pass, got %v", err)
	}
}

func TestPaperBrokerPartialFills(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, WithPartialFills(decimal.Zero))
	b.UpdateMarketPrices(map[string]decimal.Decimal{"AAPL": d("150")})

	order, err := b.SubmitOrder(ctx, marketOrder("o-1", "AAPL", schema.OrderSideBuy, "200"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order.Fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(order.Fills))
	}
	if order.Status != schema.OrderStatusFilled {
		t.Fatalf("expected filled, got %s", order.Status)
	}
	if !order.FilledQuantity().Equal(d("200")) {
		t.Fatalf("expected filled quantity 200, got %s", order.FilledQuantity())
	}
	if !order.Fills[0].Price.Equal(d("149.8875")) || !order.Fills[2].Price.Equal(d("150.0375")) {
		t.Fatalf("unexpected fill dispersion: %s .. %s", order.Fills[0].Price, order.Fills[2].Price)
	}

	pos, _, _ := b.Position(ctx, "AAPL")
	if !pos.Quantity.Equal(d("200")) {
		t.Fatalf("expected position 200, got %s", pos.Quantity)
	}
	cash, _ := b.Balance(ctx)
	spent := decimal.Zero
	for _, f := range order.Fills {
		spent = spent.Add(f.Quantity.Mul(f.Price))
	}
	if !cash.Equal(d("100000").Sub(spent)) {
		t.Fatalf("expected cash to reflect each fill, got %s", cash)
	}

	small, err := b.SubmitOrder(ctx, marketOrder("o-2", "AAPL", schema.OrderSideSell, "50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(small.Fills) != 1 {
		t.Fatalf("expected single fill below threshold, got %d", len(small.Fills))
	}
}

func TestPaperBrokerShortRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, WithStartingCash(d("10000")))
	b.UpdateMarketPrices(map[string]decimal.Decimal{"SYM": d("150")})

	if _, err := b.SubmitOrder(ctx, marketOrder("o-1", "SYM", schema.OrderSideSellShort, "10")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, _, _ := b.Position(ctx, "SYM")
	if !pos.IsShort() {
		t.Fatalf("expected short position, got %s", pos.Quantity)
	}

	b.UpdateMarketPrices(map[string]decimal.Decimal{"SYM": d("140")})
	if _, err := b.SubmitOrder(ctx, marketOrder("o-2", "SYM", schema.OrderSideBuyToCover, "10")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := b.Position(ctx, "SYM"); ok {
		t.Fatal("expected flat position to be removed")
	}
	cash, _ := b.Balance(ctx)
	if !cash.Equal(d("10100")) {
		t.Fatalf("expected cash 10100, got %s", cash)
	}
}

func TestPaperBrokerReversal(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	b.UpdateMarketPrices(map[string]decimal.Decimal{"SYM": d("100")})
	_, _ = b.SubmitOrder(ctx, marketOrder("o-1", "SYM", schema.OrderSideBuy, "10"))

	b.UpdateMarketPrices(map[string]decimal.Decimal{"SYM": d("110")})
	_, _ = b.SubmitOrder(ctx, marketOrder("o-2", "SYM", schema.OrderSideSell, "15"))

	pos, _, _ := b.Position(ctx, "SYM")
	if !pos.Quantity.Equal(d("-5")) || !pos.AvgPrice.Equal(d("110")) {
		t.Fatalf("expected -5 @ 110, got %s @ %s", pos.Quantity, pos.AvgPrice)
	}
}

func TestPaperBrokerAccountAndLiquidation(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	b.UpdateMarketPrices(map[string]decimal.Decimal{"AAA": d("10"), "BBB": d("20")})
	_, _ = b.SubmitOrder(ctx, marketOrder("o-1", "AAA", schema.OrderSideBuy, "10"))
	_, _ = b.SubmitOrder(ctx, marketOrder("o-2", "BBB", schema.OrderSideSellShort, "5"))

	b.UpdateMarketPrices(map[string]decimal.Decimal{"AAA": d("12")})
	acct, err := b.Account(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// cash 100000 - 100 + 100, AAA +120, BBB -100
	if !acct.Equity.Equal(d("100020")) {
		t.Fatalf("expected equity 100020, got %s", acct.Equity)
	}
	if acct.DayTradesRemaining != -1 {
		t.Fatalf("expected untracked day trades, got %d", acct.DayTradesRemaining)
	}

	orders, err := b.LiquidateAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 liquidation orders, got %d", len(orders))
	}
	positions, _ := b.Positions(ctx)
	if len(positions) != 0 {
		t.Fatalf("expected no open positions, got %v", positions)
	}
}

func TestPaperBrokerCancelAndModify(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	b.UpdateMarketPrices(map[string]decimal.Decimal{"AAA": d("10")})
	_, _ = b.SubmitOrder(ctx, marketOrder("o-1", "AAA", schema.OrderSideBuy, "1"))

	if ok, _ := b.CancelOrder(ctx, "o-1"); ok {
		t.Fatal("expected filled order to not be cancellable")
	}
	if ok, _ := b.CancelOrder(ctx, "missing"); ok {
		t.Fatal("expected unknown order to not be cancellable")
	}
	if ok, err := b.ModifyOrder(ctx, "o-1", ModifyRequest{Quantity: d("2")}); ok || err != nil {
		t.Fatalf("expected modify to be unsupported, got %v %v", ok, err)
	}
	if _, err := b.OrderStatus(ctx, "missing"); !errs.HasCanonical(err, errs.CanonicalOrderNotFound) {
		t.Fatalf("expected order_not_found, got %v", err)
	}
}

func TestPaperBrokerLogsRejection(t *testing.T) {
	logger, hook := test.NewNullLogger()
	b := NewPaperBroker(WithLogger(logger))
	_ = b.Connect(context.Background())
	_, _ = b.SubmitOrder(context.Background(), marketOrder("o-1", "NONE", schema.OrderSideBuy, "1"))

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected warn entry for rejection, got %+v", entry)
	}
}

func TestPricingModels(t *testing.T) {
	slip := PercentSlippage{Rate: d("0.01")}
	if got := slip.Adjust(schema.OrderSideBuy, d("100")); !got.Equal(d("101")) {
		t.Fatalf("expected 101, got %s", got)
	}
	if got := slip.Adjust(schema.OrderSideSell, d("100")); !got.Equal(d("99")) {
		t.Fatalf("expected 99, got %s", got)
	}
	if got := (PercentSlippage{Rate: d("0.9")}).Adjust(schema.OrderSideSell, d("0.02")); !got.Equal(MinFillPrice) {
		t.Fatalf("expected floor %s, got %s", MinFillPrice, got)
	}

	fee := CommissionSchedule{PerShare: d("0.005"), Rate: d("0.001")}
	if got := fee.Commission(d("100"), d("50")); !got.Equal(d("5.5")) {
		t.Fatalf("expected 5.5, got %s", got)
	}
	if got := orderCost(schema.OrderSideSell, d("100"), d("50"), fee); !got.Equal(d("5.5")) {
		t.Fatalf("expected sell cost to be commission only, got %s", got)
	}
	if got := orderCost(schema.OrderSideBuyToCover, d("100"), d("50"), fee); !got.Equal(d("5005.5")) {
		t.Fatalf("expected buy cost 5005.5, got %s", got)
	}
}
