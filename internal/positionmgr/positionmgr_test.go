package positionmgr

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"arbitrage/internal/executor"
	"arbitrage/internal/repository"
	"arbitrage/internal/types"
	"arbitrage/internal/venue"
)

func filledOrder(venueName, symbol string, side types.Side, price, size, fee string) *types.OrderResult {
	return &types.OrderResult{
		OrderID:      "order-" + venueName,
		Venue:        venueName,
		Symbol:       symbol,
		Side:         side,
		Status:       types.OrderStatusFilled,
		AveragePrice: decimal.RequireFromString(price),
		FilledSize:   decimal.RequireFromString(size),
		Fee:          decimal.RequireFromString(fee),
	}
}

func newTestManager() *Manager {
	repo := repository.NewMemoryArbRepository()
	venues := map[string]venue.Venue{}
	return New(repo, venues)
}

func TestCreatePosition_RejectsFailedExecution(t *testing.T) {
	m := newTestManager()
	_, err := m.CreatePosition(context.Background(), types.Opportunity{Symbol: "BTCUSDT"}, executor.Result{Success: false}, decimal.RequireFromString("1000"))
	if err == nil {
		t.Fatal("expected error for failed execution")
	}
	if _, ok := err.(*InvariantError); !ok {
		t.Fatalf("expected InvariantError, got %T", err)
	}
}

func TestCreatePosition_Success(t *testing.T) {
	m := newTestManager()

	o := types.Opportunity{Symbol: "BTCUSDT", LongVenue: "bybit", ShortVenue: "bitget", DailySpread: decimal.RequireFromString("0.001")}
	exec := executor.Result{
		Success:    true,
		LongOrder:  filledOrder("bybit", "BTCUSDT", types.SideLong, "100", "1", "0.04"),
		ShortOrder: filledOrder("bitget", "BTCUSDT", types.SideShort, "100", "1", "0.04"),
	}

	pos, err := m.CreatePosition(context.Background(), o, exec, decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	if pos.Status != types.PositionOpen {
		t.Fatalf("expected position open, got %s", pos.Status)
	}
	wantFees := decimal.RequireFromString("0.08")
	if !pos.TotalFees.Equal(wantFees) {
		t.Fatalf("expected total fees %s, got %s", wantFees, pos.TotalFees)
	}

	open, err := m.GetOpenPositions(context.Background())
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open position, got %d (err=%v)", len(open), err)
	}
}

func TestClosePosition_ComputesRealizedPnL(t *testing.T) {
	m := newTestManager()

	o := types.Opportunity{Symbol: "BTCUSDT", LongVenue: "bybit", ShortVenue: "bitget"}
	enter := executor.Result{
		Success:    true,
		LongOrder:  filledOrder("bybit", "BTCUSDT", types.SideLong, "100", "1", "0.04"),
		ShortOrder: filledOrder("bitget", "BTCUSDT", types.SideShort, "100", "1", "0.04"),
	}
	pos, err := m.CreatePosition(context.Background(), o, enter, decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	exit := executor.Result{
		Success:    true,
		LongOrder:  filledOrder("bybit", "BTCUSDT", types.SideLong, "110", "1", "0.044"),
		ShortOrder: filledOrder("bitget", "BTCUSDT", types.SideShort, "110", "1", "0.044"),
	}
	closed, err := m.ClosePosition(context.Background(), pos.ID, exit)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// long_pnl = (110-100)*1 = 10, short_pnl = (100-110)*1 = -10, funding=0,
	// total_fees = 0.04+0.04+0.044+0.044 = 0.168
	want := decimal.RequireFromString("10").Add(decimal.RequireFromString("-10")).Sub(decimal.RequireFromString("0.168"))
	if !closed.RealizedPnL.Equal(want) {
		t.Fatalf("expected realized PnL %s, got %s", want, closed.RealizedPnL)
	}
	if closed.Status != types.PositionClosed {
		t.Fatalf("expected position closed, got %s", closed.Status)
	}
}

func TestClosePosition_RejectsAlreadyClosed(t *testing.T) {
	m := newTestManager()
	o := types.Opportunity{Symbol: "BTCUSDT", LongVenue: "bybit", ShortVenue: "bitget"}
	enter := executor.Result{
		Success:    true,
		LongOrder:  filledOrder("bybit", "BTCUSDT", types.SideLong, "100", "1", "0.04"),
		ShortOrder: filledOrder("bitget", "BTCUSDT", types.SideShort, "100", "1", "0.04"),
	}
	pos, _ := m.CreatePosition(context.Background(), o, enter, decimal.RequireFromString("1000"))

	exit := executor.Result{Success: true, LongOrder: filledOrder("bybit", "BTCUSDT", types.SideLong, "110", "1", "0.04"), ShortOrder: filledOrder("bitget", "BTCUSDT", types.SideShort, "110", "1", "0.04")}
	if _, err := m.ClosePosition(context.Background(), pos.ID, exit); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := m.ClosePosition(context.Background(), pos.ID, exit); err == nil {
		t.Fatal("expected error closing an already-closed position")
	}
}

func TestMarkLiquidated_EstimatesSurvivingLegPnL(t *testing.T) {
	m := newTestManager()
	o := types.Opportunity{Symbol: "BTCUSDT", LongVenue: "bybit", ShortVenue: "bitget"}
	enter := executor.Result{
		Success:    true,
		LongOrder:  filledOrder("bybit", "BTCUSDT", types.SideLong, "100", "1", "0.04"),
		ShortOrder: filledOrder("bitget", "BTCUSDT", types.SideShort, "100", "1", "0.04"),
	}
	pos, _ := m.CreatePosition(context.Background(), o, enter, decimal.RequireFromString("1000"))

	surviving := &executor.Result{
		Success:   true,
		LongOrder: filledOrder("bybit", "BTCUSDT", types.SideLong, "90", "1", "0.036"),
	}
	updated, err := m.MarkLiquidated(context.Background(), pos.ID, "bitget", surviving)
	if err != nil {
		t.Fatalf("MarkLiquidated: %v", err)
	}
	if updated.Status != types.PositionLiquidated {
		t.Fatalf("expected liquidated status, got %s", updated.Status)
	}
	// funding 0 - entry fees 0.08 + surviving long leg closed at 90 vs
	// entry 100: (90-100)*1 = -10.08
	want := decimal.RequireFromString("-10.08")
	if !updated.RealizedPnL.Equal(want) {
		t.Fatalf("expected estimated PnL %s, got %s", want, updated.RealizedPnL)
	}
}

func TestRecordFundingPayment_AccumulatesCollected(t *testing.T) {
	m := newTestManager()
	o := types.Opportunity{Symbol: "BTCUSDT", LongVenue: "bybit", ShortVenue: "bitget"}
	enter := executor.Result{
		Success:    true,
		LongOrder:  filledOrder("bybit", "BTCUSDT", types.SideLong, "100", "1", "0.04"),
		ShortOrder: filledOrder("bitget", "BTCUSDT", types.SideShort, "100", "1", "0.04"),
	}
	pos, _ := m.CreatePosition(context.Background(), o, enter, decimal.RequireFromString("1000"))

	_, err := m.RecordFundingPayment(context.Background(), pos.ID, "bitget", types.SideShort, decimal.RequireFromString("0.0001"), decimal.RequireFromString("5"), decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("RecordFundingPayment: %v", err)
	}
	_, err = m.RecordFundingPayment(context.Background(), pos.ID, "bitget", types.SideShort, decimal.RequireFromString("0.0001"), decimal.RequireFromString("3"), decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("RecordFundingPayment: %v", err)
	}

	updated, err := m.GetPosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	want := decimal.RequireFromString("8")
	if !updated.FundingCollected.Equal(want) {
		t.Fatalf("expected accumulated funding %s, got %s", want, updated.FundingCollected)
	}
}
