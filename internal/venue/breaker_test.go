package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"arbitrage/internal/types"
)

// fakeVenue - управляемая заглушка Venue: возвращает заданную ошибку,
// пока тест её не сбросит.
type fakeVenue struct {
	name string
	err  error
	calls int
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error) {
	f.calls++
	if f.err != nil {
		return types.FundingRate{}, f.err
	}
	return types.FundingRate{Venue: f.name, Symbol: symbol}, nil
}

func (f *fakeVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	return types.OrderBook{}, f.err
}
func (f *fakeVenue) PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error) {
	return types.OrderResult{}, f.err
}
func (f *fakeVenue) GetOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error) {
	return types.OrderResult{}, f.err
}
func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return f.err }
func (f *fakeVenue) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	return 0, f.err
}
func (f *fakeVenue) GetPosition(ctx context.Context, symbol string) (types.VenuePosition, bool, error) {
	return types.VenuePosition{}, false, f.err
}
func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return f.err }
func (f *fakeVenue) GetFeeTier(ctx context.Context, symbol string) (types.FeeTier, error) {
	return types.FeeTier{}, f.err
}

var _ Venue = (*fakeVenue)(nil)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	fv := &fakeVenue{name: "test", err: errors.New("boom")}
	b := NewBreaker(fv, BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); err == nil {
			t.Fatalf("call %d: expected underlying error, got nil", i)
		}
	}

	if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected breaker to be open, got %v", err)
	}
	if fv.calls != 3 {
		t.Fatalf("expected 3 calls to reach the underlying venue, got %d", fv.calls)
	}
}

func TestBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	fv := &fakeVenue{name: "test", err: errors.New("boom")}
	b := NewBreaker(fv, BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected first call to fail and open the breaker")
	}
	if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected breaker open immediately after threshold, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	fv.err = nil

	if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("expected half-open trial call to succeed, got %v", err)
	}
	if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("expected breaker closed after successful trial, got %v", err)
	}
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	fv := &fakeVenue{name: "test", err: errors.New("boom")}
	b := NewBreaker(fv, BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	_, _ = b.GetFundingRate(context.Background(), "BTCUSDT")
	time.Sleep(20 * time.Millisecond)

	if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected half-open trial to fail since underlying venue still errors")
	}
	if _, err := b.GetFundingRate(context.Background(), "BTCUSDT"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected breaker to reopen after failed half-open trial, got %v", err)
	}
}
