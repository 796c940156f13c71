package venue

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
)

func seedBook(t *testing.T, sim *SimVenue, symbol string, bid, ask string) {
	t.Helper()
	sim.SetOrderBook(types.OrderBook{
		Symbol: symbol,
		Bids:   []types.PriceLevel{{Price: decimal.RequireFromString(bid), Volume: decimal.RequireFromString("10")}},
		Asks:   []types.PriceLevel{{Price: decimal.RequireFromString(ask), Volume: decimal.RequireFromString("10")}},
	})
}

func TestSimVenue_PlaceOrderFillsAtMid(t *testing.T) {
	sim := NewSimVenue("sim")
	seedBook(t, sim, "BTCUSDT", "99", "101")

	res, err := sim.PlaceOrder(context.Background(), types.Order{
		Symbol: "BTCUSDT", Side: types.SideLong, Type: "market", Quantity: decimal.RequireFromString("2"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != types.OrderStatusFilled {
		t.Fatalf("expected order filled, got %s", res.Status)
	}
	wantPrice := decimal.RequireFromString("100")
	if !res.AveragePrice.Equal(wantPrice) {
		t.Fatalf("expected fill at mid price 100, got %s", res.AveragePrice)
	}
	if res.Fee.IsZero() {
		t.Fatal("expected a nonzero simulated fee")
	}
}

func TestSimVenue_PositionAccumulatesAcrossOrders(t *testing.T) {
	sim := NewSimVenue("sim")
	seedBook(t, sim, "BTCUSDT", "99", "101")

	ctx := context.Background()
	_, err := sim.PlaceOrder(ctx, types.Order{Symbol: "BTCUSDT", Side: types.SideLong, Quantity: decimal.RequireFromString("1")})
	if err != nil {
		t.Fatalf("first order: %v", err)
	}
	_, err = sim.PlaceOrder(ctx, types.Order{Symbol: "BTCUSDT", Side: types.SideLong, Quantity: decimal.RequireFromString("1.5")})
	if err != nil {
		t.Fatalf("second order: %v", err)
	}

	pos, ok, err := sim.GetPosition(ctx, "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("GetPosition: ok=%v err=%v", ok, err)
	}
	want := decimal.RequireFromString("2.5")
	if !pos.Size.Equal(want) {
		t.Fatalf("expected accumulated size %s, got %s", want, pos.Size)
	}
}

func TestSimVenue_ReduceOrderShrinksPosition(t *testing.T) {
	sim := NewSimVenue("sim")
	seedBook(t, sim, "BTCUSDT", "99", "101")

	ctx := context.Background()
	_, _ = sim.PlaceOrder(ctx, types.Order{Symbol: "BTCUSDT", Side: types.SideLong, Quantity: decimal.RequireFromString("3")})
	_, err := sim.PlaceOrder(ctx, types.Order{Symbol: "BTCUSDT", Side: types.SideShort, Quantity: decimal.RequireFromString("1"), Reduce: true})
	if err != nil {
		t.Fatalf("reduce order: %v", err)
	}

	pos, ok, _ := sim.GetPosition(ctx, "BTCUSDT")
	if !ok {
		t.Fatal("expected remaining position")
	}
	want := decimal.RequireFromString("2")
	if !pos.Size.Equal(want) {
		t.Fatalf("expected reduced size %s, got %s", want, pos.Size)
	}
}

func TestSimVenue_GetPositionNotFoundWhenFlat(t *testing.T) {
	sim := NewSimVenue("sim")
	_, ok, err := sim.GetPosition(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no position for a symbol never traded")
	}
}

func TestSimVenue_GetOrderUnknownID(t *testing.T) {
	sim := NewSimVenue("sim")
	_, err := sim.GetOrder(context.Background(), "BTCUSDT", "missing")
	if err != ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSimVenue_OrderBookRespectsDepth(t *testing.T) {
	sim := NewSimVenue("sim")
	sim.SetOrderBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Bids: []types.PriceLevel{
			{Price: decimal.RequireFromString("99"), Volume: decimal.RequireFromString("1")},
			{Price: decimal.RequireFromString("98"), Volume: decimal.RequireFromString("1")},
			{Price: decimal.RequireFromString("97"), Volume: decimal.RequireFromString("1")},
		},
		Asks: []types.PriceLevel{
			{Price: decimal.RequireFromString("101"), Volume: decimal.RequireFromString("1")},
		},
	})

	ob, err := sim.GetOrderBook(context.Background(), "BTCUSDT", 2)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(ob.Bids) != 2 {
		t.Fatalf("expected depth-limited bids of length 2, got %d", len(ob.Bids))
	}
}
