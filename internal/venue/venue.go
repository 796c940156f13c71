// Package venue описывает унифицированный интерфейс биржевой площадки
// для фандинг-арбитража и оборачивает каждую реализацию автоматическим
// выключателем (circuit breaker), изолирующим отказ одной площадки от
// остальных.
package venue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
)

// Venue - унифицированный интерфейс биржевой площадки.
//
// Реализации обязаны возвращать ErrCircuitBreakerOpen невозможно - этим
// занимается Breaker, оборачивающий конкретную реализацию; сама
// реализация должна просто возвращать ошибку сети/биржи как есть.
type Venue interface {
	// Name возвращает имя площадки (например "bybit").
	Name() string

	// GetFundingRate получает текущую ставку фандинга по символу.
	GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error)

	// GetOrderBook получает стакан ордеров заданной глубины.
	GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error)

	// PlaceOrder размещает ордер и дожидается первичного ответа биржи
	// (не обязательно полного исполнения - для этого отдельно опрашивается
	// GetOrder).
	PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error)

	// GetOrder возвращает текущее состояние ранее размещённого ордера.
	GetOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error)

	// CancelOrder отменяет ордер, если он ещё не исполнен.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelAllOrders отменяет все открытые ордера по символу (пустая
	// строка - по всем символам площадки) и возвращает число отменённых.
	// Используется рубильником для аварийной остановки исполнения.
	CancelAllOrders(ctx context.Context, symbol string) (int, error)

	// GetPosition возвращает текущую позицию по символу (по истине площадки).
	GetPosition(ctx context.Context, symbol string) (types.VenuePosition, bool, error)

	// SetLeverage выставляет плечо для символа.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// GetFeeTier возвращает текущий уровень комиссий для символа.
	GetFeeTier(ctx context.Context, symbol string) (types.FeeTier, error)
}

var (
	// ErrCircuitBreakerOpen возвращается Breaker, если площадка временно
	// исключена из работы после серии отказов.
	ErrCircuitBreakerOpen = errors.New("venue: circuit breaker open")

	// ErrOrderNotFound возвращается GetOrder/CancelOrder, если биржа не
	// знает об ордере с указанным ID.
	ErrOrderNotFound = errors.New("venue: order not found")
)

// BreakerConfig настраивает пороги автоматического выключателя.
type BreakerConfig struct {
	FailureThreshold int           // число подряд идущих отказов для открытия
	ResetTimeout     time.Duration // время до перехода в half-open
}

// DefaultBreakerConfig - пороги по умолчанию (5 отказов подряд, сброс через 60с).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 60 * time.Second}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker оборачивает Venue и отслеживает подряд идущие отказы отдельно
// для каждой площадки. После FailureThreshold отказов подряд площадка
// "открывается" на ResetTimeout - все вызовы немедленно возвращают
// ErrCircuitBreakerOpen без обращения к реальной реализации. Первый
// вызов после истечения таймаута переводит выключатель в half-open:
// единственная успешная попытка закрывает его, неудачная - снова
// открывает на полный таймаут.
type Breaker struct {
	inner  Venue
	cfg    BreakerConfig
	mu     sync.Mutex
	state  breakerState
	fails  int
	openAt time.Time
}

// NewBreaker оборачивает venue автоматическим выключателем с заданной
// конфигурацией.
func NewBreaker(v Venue, cfg BreakerConfig) *Breaker {
	return &Breaker{inner: v, cfg: cfg}
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openAt) >= b.cfg.ResetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return true
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.fails = 0
		b.state = breakerClosed
		return
	}

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openAt = time.Now()
		return
	}

	b.fails++
	if b.fails >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openAt = time.Now()
	}
}

// Name делегирует обёрнутой реализации.
func (b *Breaker) Name() string { return b.inner.Name() }

func (b *Breaker) GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error) {
	if !b.allow() {
		return types.FundingRate{}, ErrCircuitBreakerOpen
	}
	r, err := b.inner.GetFundingRate(ctx, symbol)
	b.record(err)
	return r, err
}

func (b *Breaker) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	if !b.allow() {
		return types.OrderBook{}, ErrCircuitBreakerOpen
	}
	ob, err := b.inner.GetOrderBook(ctx, symbol, depth)
	b.record(err)
	return ob, err
}

func (b *Breaker) PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error) {
	if !b.allow() {
		return types.OrderResult{}, ErrCircuitBreakerOpen
	}
	res, err := b.inner.PlaceOrder(ctx, order)
	b.record(err)
	return res, err
}

func (b *Breaker) GetOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error) {
	if !b.allow() {
		return types.OrderResult{}, ErrCircuitBreakerOpen
	}
	res, err := b.inner.GetOrder(ctx, symbol, orderID)
	b.record(err)
	return res, err
}

func (b *Breaker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if !b.allow() {
		return ErrCircuitBreakerOpen
	}
	err := b.inner.CancelOrder(ctx, symbol, orderID)
	b.record(err)
	return err
}

func (b *Breaker) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	if !b.allow() {
		return 0, ErrCircuitBreakerOpen
	}
	n, err := b.inner.CancelAllOrders(ctx, symbol)
	b.record(err)
	return n, err
}

func (b *Breaker) GetPosition(ctx context.Context, symbol string) (types.VenuePosition, bool, error) {
	if !b.allow() {
		return types.VenuePosition{}, false, ErrCircuitBreakerOpen
	}
	p, ok, err := b.inner.GetPosition(ctx, symbol)
	b.record(err)
	return p, ok, err
}

func (b *Breaker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if !b.allow() {
		return ErrCircuitBreakerOpen
	}
	err := b.inner.SetLeverage(ctx, symbol, leverage)
	b.record(err)
	return err
}

func (b *Breaker) GetFeeTier(ctx context.Context, symbol string) (types.FeeTier, error) {
	if !b.allow() {
		return types.FeeTier{}, ErrCircuitBreakerOpen
	}
	ft, err := b.inner.GetFeeTier(ctx, symbol)
	b.record(err)
	return ft, err
}

// DefaultFeeTier возвращает консервативную оценку комиссии, используемую
// детектором, когда биржа не предоставила актуальный уровень.
func DefaultFeeTier(venueName, symbol string) types.FeeTier {
	return types.FeeTier{
		Venue:     venueName,
		Symbol:    symbol,
		MakerFee:  decimal.RequireFromString("0.0002"),
		TakerFee:  decimal.RequireFromString("0.0004"),
		TierLabel: "default",
	}
}
