package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
	"arbitrage/pkg/ratelimit"
)

// SimVenue - детерминированная имитация биржевой площадки для тестов и
// запуска в режиме симуляции (конфигурация simulation_mode). Хранит
// ставки фандинга, стаканы и позиции в памяти и заполняет ордера по
// середине текущего стакана.
type SimVenue struct {
	name string

	mu       sync.RWMutex
	rates    map[string]types.FundingRate
	books    map[string]types.OrderBook
	fees     map[string]types.FeeTier
	orders   map[string]types.OrderResult
	position map[string]types.VenuePosition

	limiter *ratelimit.RateLimiter
}

// NewSimVenue создаёт новую имитацию биржи с указанным именем.
func NewSimVenue(name string) *SimVenue {
	return &SimVenue{
		name:     name,
		rates:    make(map[string]types.FundingRate),
		books:    make(map[string]types.OrderBook),
		fees:     make(map[string]types.FeeTier),
		orders:   make(map[string]types.OrderResult),
		position: make(map[string]types.VenuePosition),
		limiter:  ratelimit.NewRateLimiter(20, 40),
	}
}

// Name возвращает имя площадки.
func (s *SimVenue) Name() string { return s.name }

// SetFundingRate задаёт ставку фандинга для символа (используется тестами
// и сценарием симуляции для управления входными данными сканера).
func (s *SimVenue) SetFundingRate(r types.FundingRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Venue = s.name
	s.rates[r.Symbol] = r
}

// SetOrderBook задаёт стакан для символа.
func (s *SimVenue) SetOrderBook(ob types.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob.Venue = s.name
	s.books[ob.Symbol] = ob
}

// SetFeeTier задаёт уровень комиссий для символа.
func (s *SimVenue) SetFeeTier(ft types.FeeTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ft.Venue = s.name
	s.fees[ft.Symbol] = ft
}

func (s *SimVenue) GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error) {
	if !s.limiter.Allow() {
		return types.FundingRate{}, fmt.Errorf("%s: rate limited", s.name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[symbol]
	if !ok {
		return types.FundingRate{}, fmt.Errorf("%s: no funding rate for %s", s.name, symbol)
	}
	return r, nil
}

func (s *SimVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	if !s.limiter.Allow() {
		return types.OrderBook{}, fmt.Errorf("%s: rate limited", s.name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ob, ok := s.books[symbol]
	if !ok {
		return types.OrderBook{}, fmt.Errorf("%s: no order book for %s", s.name, symbol)
	}
	if depth > 0 {
		if len(ob.Bids) > depth {
			ob.Bids = ob.Bids[:depth]
		}
		if len(ob.Asks) > depth {
			ob.Asks = ob.Asks[:depth]
		}
	}
	return ob, nil
}

// PlaceOrder заполняет ордер целиком по текущей середине стакана -
// имитация не моделирует проскальзывание или частичное исполнение.
func (s *SimVenue) PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ob, ok := s.books[order.Symbol]
	if !ok {
		return types.OrderResult{}, fmt.Errorf("%s: no order book for %s", s.name, order.Symbol)
	}
	mid, ok := ob.MidPrice()
	if !ok {
		return types.OrderResult{}, fmt.Errorf("%s: order book for %s has no quotes", s.name, order.Symbol)
	}

	fee := s.fees[order.Symbol]
	if fee.TakerFee.IsZero() {
		fee = DefaultFeeTier(s.name, order.Symbol)
	}

	result := types.OrderResult{
		OrderID:      uuid.NewString(),
		Venue:        s.name,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Status:       types.OrderStatusFilled,
		FilledSize:   order.Quantity,
		AveragePrice: mid,
		Fee:          order.Quantity.Mul(mid).Mul(fee.TakerFee),
		Timestamp:    time.Now().UTC(),
	}
	s.orders[result.OrderID] = result

	sign := decimal.NewFromInt(1)
	if order.Reduce {
		sign = decimal.NewFromInt(-1)
	}
	pos := s.position[order.Symbol]
	pos.Venue = s.name
	pos.Symbol = order.Symbol
	pos.Side = order.Side
	pos.Size = pos.Size.Add(order.Quantity.Mul(sign))
	pos.EntryPrice = mid
	pos.MarkPrice = mid
	pos.UpdatedAt = result.Timestamp
	s.position[order.Symbol] = pos

	return result, nil
}

func (s *SimVenue) GetOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.orders[orderID]
	if !ok {
		return types.OrderResult{}, ErrOrderNotFound
	}
	return r, nil
}

func (s *SimVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	// В имитации ордер исполняется мгновенно, так что отмена уже
	// исполненного ордера - не ошибка, а no-op.
	return nil
}

// CancelAllOrders отменяет все неисполненные ордера по символу (пустая
// строка - по всем символам). PlaceOrder в имитации исполняет ордер
// синхронно и немедленно, поэтому в обычном потоке отменять нечего и
// метод возвращает 0.
func (s *SimVenue) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for id, o := range s.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if o.Status == types.OrderStatusFilled || o.Status == types.OrderStatusCancelled || o.Status == types.OrderStatusRejected {
			continue
		}
		o.Status = types.OrderStatusCancelled
		s.orders[id] = o
		cancelled++
	}
	return cancelled, nil
}

func (s *SimVenue) GetPosition(ctx context.Context, symbol string) (types.VenuePosition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.position[symbol]
	if !ok || pos.Size.IsZero() {
		return types.VenuePosition{}, false, nil
	}
	return pos, true, nil
}

func (s *SimVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *SimVenue) GetFeeTier(ctx context.Context, symbol string) (types.FeeTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ft, ok := s.fees[symbol]; ok {
		return ft, nil
	}
	return DefaultFeeTier(s.name, symbol), nil
}

var _ Venue = (*SimVenue)(nil)
