package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
	"arbitrage/internal/venue"
)

func TestScanner_PollPopulatesSnapshot(t *testing.T) {
	sim := venue.NewSimVenue("bybit")
	sim.SetFundingRate(types.FundingRate{Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0001")})

	s := New(DefaultConfig(), map[string]venue.Venue{"bybit": sim}, []string{"BTCUSDT"}, nil)
	s.poll(context.Background())

	snap := s.Snapshot()
	rate, ok := snap["bybit"]["BTCUSDT"]
	if !ok {
		t.Fatal("expected BTCUSDT funding rate to be cached after poll")
	}
	if !rate.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("expected cached rate 0.0001, got %s", rate.Rate)
	}
}

func TestScanner_OnUpdateCalledOncePerPoll(t *testing.T) {
	sim := venue.NewSimVenue("bybit")
	sim.SetFundingRate(types.FundingRate{Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0002")})

	s := New(DefaultConfig(), map[string]venue.Venue{"bybit": sim}, []string{"BTCUSDT"}, nil)

	var calls int
	done := make(chan struct{}, 1)
	s.OnUpdate(func(snap Snapshot) {
		calls++
		done <- struct{}{}
	})

	s.poll(context.Background())
	<-done

	if calls != 1 {
		t.Fatalf("expected callback invoked once per poll, got %d", calls)
	}
}

func TestForceScan_TriggersImmediatePoll(t *testing.T) {
	sim := venue.NewSimVenue("bybit")
	sim.SetFundingRate(types.FundingRate{Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0003")})

	s := New(DefaultConfig(), map[string]venue.Venue{"bybit": sim}, []string{"BTCUSDT"}, nil)
	s.ForceScan(context.Background())

	snap := s.Snapshot()
	if _, ok := snap["bybit"]["BTCUSDT"]; !ok {
		t.Fatal("expected ForceScan to populate the snapshot without waiting for a ticker")
	}
}

func TestVenueStatus_MarksStaleAfterThreshold(t *testing.T) {
	sim := venue.NewSimVenue("bybit")
	sim.SetFundingRate(types.FundingRate{Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0001")})

	cfg := DefaultConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	s := New(cfg, map[string]venue.Venue{"bybit": sim}, []string{"BTCUSDT"}, nil)
	s.poll(context.Background())

	st, ok := s.VenueStatus("bybit", time.Now())
	if !ok || st.Stale {
		t.Fatalf("expected fresh status right after poll, got ok=%v stale=%v", ok, st.Stale)
	}

	st, ok = s.VenueStatus("bybit", time.Now().Add(time.Second))
	if !ok || !st.Stale {
		t.Fatalf("expected status to be stale once StaleAfter has elapsed, got ok=%v stale=%v", ok, st.Stale)
	}
}

func TestVenueStatus_UnknownVenue(t *testing.T) {
	s := New(DefaultConfig(), map[string]venue.Venue{}, []string{"BTCUSDT"}, nil)
	if _, ok := s.VenueStatus("missing", time.Now()); ok {
		t.Fatal("expected no status for a venue never registered")
	}
}

