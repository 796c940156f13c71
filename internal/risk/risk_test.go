package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbitrage/internal/alert"
	"arbitrage/internal/types"
	"arbitrage/internal/venue"
)

func newTestManager() *Manager {
	venues := map[string]venue.Venue{"bybit": nil, "bitget": nil}
	return New(DefaultConfig(), venues, alert.NewLogSender(nil), nil)
}

func TestActivateKillSwitch_Idempotent(t *testing.T) {
	m := newTestManager()

	var closeCalls int
	m.SetCloseAllPositionsFn(func(ctx context.Context, reason string) error {
		closeCalls++
		return nil
	})

	m.ActivateKillSwitch(context.Background(), "test")
	m.ActivateKillSwitch(context.Background(), "test again")

	if !m.IsKillSwitchActive() {
		t.Fatal("expected kill switch to be active")
	}
	if closeCalls != 1 {
		t.Fatalf("expected closeAll called once, got %d", closeCalls)
	}
}

func TestActivateKillSwitch_ContinuesOnPerVenueCancelError(t *testing.T) {
	m := newTestManager()

	called := make(map[string]bool)
	m.SetCancelAllOrdersFn(func(ctx context.Context, venueName string) error {
		called[venueName] = true
		return errors.New("network error")
	})

	m.ActivateKillSwitch(context.Background(), "test")

	if len(called) != 2 {
		t.Fatalf("expected cancel attempted on both venues despite errors, got %d", len(called))
	}
}

func TestDeactivateKillSwitch(t *testing.T) {
	m := newTestManager()
	m.ActivateKillSwitch(context.Background(), "test")
	m.DeactivateKillSwitch(context.Background())

	if m.IsKillSwitchActive() {
		t.Fatal("expected kill switch inactive after deactivation")
	}
}

func TestPairPause_SelfEvictsOnExpiry(t *testing.T) {
	m := newTestManager()
	m.PausePair("BTCUSDT", 10*time.Millisecond)

	if !m.IsPairPaused("BTCUSDT") {
		t.Fatal("expected pair paused immediately after PausePair")
	}

	time.Sleep(20 * time.Millisecond)

	if m.IsPairPaused("BTCUSDT") {
		t.Fatal("expected pause to have expired")
	}
}

func TestCanOpenPosition_OrderOfChecks(t *testing.T) {
	tests := []struct {
		name       string
		killSwitch bool
		paused     bool
		sizeUSD    string
		wantReason string
	}{
		{"kill switch wins over everything", true, true, "100000", "kill switch active"},
		{"pair paused checked before size", false, true, "100000", "pair paused"},
		{"size limit when nothing else blocks", false, false, "100000", "position size exceeds limit"},
		{"allowed when clear", false, false, "100", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			if tt.killSwitch {
				m.ActivateKillSwitch(context.Background(), "test")
			}
			if tt.paused {
				m.PausePair("BTCUSDT", time.Minute)
			}

			ok, reason := m.CanOpenPosition("BTCUSDT", decimal.RequireFromString(tt.sizeUSD))
			if tt.wantReason == "" {
				if !ok {
					t.Fatalf("expected position allowed, got reason %q", reason)
				}
				return
			}
			if ok || reason != tt.wantReason {
				t.Fatalf("expected reason %q, got ok=%v reason=%q", tt.wantReason, ok, reason)
			}
		})
	}
}

func TestCheckForLiquidations_DetectsDisappearedPositionWithLiquidationPrice(t *testing.T) {
	m := newTestManager()

	withLiqPrice := map[string]types.VenuePosition{
		"BTCUSDT": {Symbol: "BTCUSDT", Size: decimal.RequireFromString("1"), LiquidationPrice: decimal.RequireFromString("95000")},
		"ETHUSDT": {Symbol: "ETHUSDT", Size: decimal.RequireFromString("5"), LiquidationPrice: decimal.Zero},
	}
	m.CheckForLiquidations("bybit", withLiqPrice)

	// BTCUSDT disappears (liquidated), ETHUSDT disappears too but had no
	// liquidation price tracked (e.g. closed manually) so it is not reported.
	liquidated := m.CheckForLiquidations("bybit", map[string]types.VenuePosition{})

	if len(liquidated) != 1 || liquidated[0] != "BTCUSDT" {
		t.Fatalf("expected only BTCUSDT reported as liquidated, got %v", liquidated)
	}
}

func TestHandleLiquidation_PausesPairEvenWhenCloseFails(t *testing.T) {
	m := newTestManager()

	closeErr := errors.New("venue unreachable")
	m.HandleLiquidation(context.Background(), "BTCUSDT", "bybit", "bitget", func(ctx context.Context) error {
		return closeErr
	})

	if !m.IsPairPaused("BTCUSDT") {
		t.Fatal("expected pair paused after liquidation even though close failed")
	}
}
