package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
)

func rate(venue, symbol, rate string, intervalHours int, next time.Time) types.FundingRate {
	return types.FundingRate{
		Venue:           venue,
		Symbol:          symbol,
		Rate:            decimal.RequireFromString(rate),
		IntervalHours:   intervalHours,
		NextFundingTime: next,
		ObservedAt:      next.Add(-time.Hour),
	}
}

// ====================================================================
// Threshold
// ====================================================================

func TestDetectorThreshold(t *testing.T) {
	d := New(DefaultConfig())

	tests := []struct {
		name     string
		sizeUSD  string
		expected string
	}{
		{"zero size", "0", "0.0003"},
		{"10k size", "10000", "0.00035"},
		{"50k size", "50000", "0.00055"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Threshold(decimal.RequireFromString(tt.sizeUSD))
			want := decimal.RequireFromString(tt.expected)
			if !got.Equal(want) {
				t.Errorf("Threshold(%s) = %s, want %s", tt.sizeUSD, got, want)
			}
		})
	}
}

// ====================================================================
// FindOpportunities - проверка нормализации к суточной ставке (S1/S2)
// ====================================================================

func TestFindOpportunities_DailyNormalization(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(2 * time.Hour)

	d := New(DefaultConfig())

	// Venue A: ставка 0.01% за 1ч интервал -> суточная 0.24%
	// Venue B: ставка 0.02% за 8ч интервал -> суточная 0.06%
	// Несмотря на то что сырая ставка B выше, после нормализации ниже -
	// правильный выбор long должен пасть на B.
	rates := Snapshot{
		"A": {"BTCUSDT": rate("A", "BTCUSDT", "0.0001", 1, next)},
		"B": {"BTCUSDT": rate("B", "BTCUSDT", "0.0002", 8, next)},
	}

	opps := d.FindOpportunities(rates, decimal.RequireFromString("10000"), now)
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}

	o := opps[0]
	if o.LongVenue != "B" {
		t.Errorf("expected long venue B (lower daily rate), got %s", o.LongVenue)
	}
	if o.ShortVenue != "A" {
		t.Errorf("expected short venue A (higher daily rate), got %s", o.ShortVenue)
	}
}

// TestFindOpportunities_FeesAmortizedOverWeek (S2) - size=100000,
// daily_spread=0.0015: gross daily profit 150, round-trip fees 160, but
// fees are amortized over a 7-day holding period (160/7 ~ 22.86), so the
// opportunity must still surface with net_daily ~ 127, not be dropped by
// the full undiscounted fee.
func TestFindOpportunities_FeesAmortizedOverWeek(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(2 * time.Hour)

	d := New(DefaultConfig())
	rates := Snapshot{
		"A": {"BTCUSDT": rate("A", "BTCUSDT", "0.0001", 8, next)}, // daily 0.0003
		"B": {"BTCUSDT": rate("B", "BTCUSDT", "0.0006", 8, next)}, // daily 0.0018, spread 0.0015
	}

	sizeUSD := decimal.RequireFromString("100000")
	opps := d.FindOpportunities(rates, sizeUSD, now)
	if len(opps) != 1 {
		t.Fatalf("expected opportunity to surface once fees are amortized, got %d", len(opps))
	}

	o := opps[0]
	if o.LongIntervalHours != 8 || o.ShortIntervalHours != 8 {
		t.Errorf("expected leg interval fields (8, 8), got (%d, %d)", o.LongIntervalHours, o.ShortIntervalHours)
	}
	if !o.LongRate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("expected raw long rate 0.0001, got %s", o.LongRate)
	}
	if !o.ShortRate.Equal(decimal.RequireFromString("0.0006")) {
		t.Errorf("expected raw short rate 0.0006, got %s", o.ShortRate)
	}

	spread := decimal.RequireFromString("0.0015")
	grossDaily := sizeUSD.Mul(spread)
	fees := d.Fees(sizeUSD, "A", "B")
	wantNetDaily := grossDaily.Sub(fees.Div(decimal.NewFromInt(7)))
	if !o.ExpectedDailyProfit.Equal(wantNetDaily) {
		t.Errorf("expected net daily profit %s, got %s", wantNetDaily, o.ExpectedDailyProfit)
	}
	if !o.ExpectedDailyProfit.IsPositive() {
		t.Error("expected net daily profit to be positive once fees are correctly amortized")
	}
}

func TestFindOpportunities_BelowThresholdSkipped(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(2 * time.Hour)

	d := New(DefaultConfig())
	rates := Snapshot{
		"A": {"ETHUSDT": rate("A", "ETHUSDT", "0.00001", 8, next)},
		"B": {"ETHUSDT": rate("B", "ETHUSDT", "0.00002", 8, next)},
	}

	opps := d.FindOpportunities(rates, decimal.RequireFromString("10000"), now)
	if len(opps) != 0 {
		t.Fatalf("expected 0 opportunities below threshold, got %d", len(opps))
	}
}

func TestFindOpportunities_TooCloseToFundingSkipped(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(10 * time.Second)

	d := New(DefaultConfig())
	rates := Snapshot{
		"A": {"BTCUSDT": rate("A", "BTCUSDT", "0.0001", 1, next)},
		"B": {"BTCUSDT": rate("B", "BTCUSDT", "0.002", 1, next)},
	}

	opps := d.FindOpportunities(rates, decimal.RequireFromString("10000"), now)
	if len(opps) != 0 {
		t.Fatalf("expected 0 opportunities too close to funding, got %d", len(opps))
	}
}

// ====================================================================
// FindBest - исключение пар с открытой позицией
// ====================================================================

func TestFindBest_ExcludesExistingPairs(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(2 * time.Hour)

	d := New(DefaultConfig())
	rates := Snapshot{
		"A": {"BTCUSDT": rate("A", "BTCUSDT", "0.0001", 1, next)},
		"B": {"BTCUSDT": rate("B", "BTCUSDT", "0.002", 1, next)},
	}

	excluded := map[string]struct{}{"BTCUSDT": {}}
	_, found := d.FindBest(rates, decimal.RequireFromString("10000"), now, excluded)
	if found {
		t.Error("expected no opportunity, BTCUSDT is excluded")
	}
}

// ====================================================================
// EvaluateExisting (S5 - spread inversion)
// ====================================================================

func TestEvaluateExisting(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(2 * time.Hour)

	tests := []struct {
		name       string
		longRate   string
		shortRate  string
		wantKeep   bool
	}{
		{"still profitable", "0.0001", "0.002", true},
		{"slightly negative within tolerance", "0.00022", "0.0002", true},
		{"inverted beyond tolerance", "0.003", "0.0001", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(DefaultConfig())
			rates := Snapshot{
				"A": {"BTCUSDT": rate("A", "BTCUSDT", tt.longRate, 8, next)},
				"B": {"BTCUSDT": rate("B", "BTCUSDT", tt.shortRate, 8, next)},
			}
			keep, _, reason := d.EvaluateExisting(rates, "BTCUSDT", "A", "B")
			if keep != tt.wantKeep {
				t.Errorf("EvaluateExisting() keep = %v, want %v (reason: %s)", keep, tt.wantKeep, reason)
			}
		})
	}
}
