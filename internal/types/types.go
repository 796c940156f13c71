// Package types содержит доменную модель движка фандинг-арбитража:
// ставки фандинга, стаканы, ордера, возможности и позиции. Все денежные
// и процентные величины хранятся как decimal.Decimal, чтобы исключить
// ошибки округления float64 при сравнении ставок разных бирж.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side - направление позиции или ноги сделки.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite возвращает противоположную сторону.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderAction - открытие или закрытие ноги позиции.
type OrderAction string

const (
	ActionOpen  OrderAction = "open"
	ActionClose OrderAction = "close"
)

// OrderStatus - статус исполнения ордера на бирже.
type OrderStatus string

const (
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// PositionStatus - состояние позиции в базе.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// FundingRate - ставка фандинга на конкретной бирже для символа.
//
// IntervalHours используется для приведения ставки к суточной:
// DailyRate = Rate * 24 / IntervalHours.
type FundingRate struct {
	Venue           string
	Symbol          string
	Rate            decimal.Decimal
	IntervalHours   int
	NextFundingTime time.Time
	ObservedAt      time.Time
}

// DailyRate возвращает ставку фандинга, приведённую к суточному периоду.
func (f FundingRate) DailyRate() decimal.Decimal {
	if f.IntervalHours <= 0 {
		return decimal.Zero
	}
	return f.Rate.Mul(decimal.NewFromInt(24)).Div(decimal.NewFromInt(int64(f.IntervalHours)))
}

// IsStale возвращает true если ставка устарела относительно момента now.
func (f FundingRate) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(f.ObservedAt) > maxAge
}

// PriceLevel - один уровень цены в стакане.
type PriceLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// OrderBook - верхние уровни стакана по символу на конкретной бирже.
type OrderBook struct {
	Venue     string
	Symbol    string
	Bids      []PriceLevel // заявки на покупку, по убыванию цены
	Asks      []PriceLevel // заявки на продажу, по возрастанию цены
	Timestamp time.Time
}

// TopDepth суммирует объём первых n уровней на стороне side ("bid"/"ask").
func (ob OrderBook) TopDepth(side string, n int) decimal.Decimal {
	levels := ob.Asks
	if side == "bid" {
		levels = ob.Bids
	}
	if n > len(levels) {
		n = len(levels)
	}
	total := decimal.Zero
	for i := 0; i < n; i++ {
		total = total.Add(levels[i].Volume)
	}
	return total
}

// MidPrice возвращает середину спреда между лучшим бидом и аском.
func (ob OrderBook) MidPrice() (decimal.Decimal, bool) {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return decimal.Zero, false
	}
	sum := ob.Bids[0].Price.Add(ob.Asks[0].Price)
	return sum.Div(decimal.NewFromInt(2)), true
}

// Order - запрос на размещение ордера на бирже.
type Order struct {
	Venue    string
	Symbol   string
	Side     Side // сторона ордера: long - покупка, short - продажа (reduce-only закрытие несёт сторону, противоположную позиции)
	IsBuy    bool // конкретная сторона ордера (buy/sell), зависит от Side и Action
	Type     string
	Quantity decimal.Decimal
	Price    decimal.Decimal // для лимитных ордеров; игнорируется для маркет
	Reduce   bool            // reduce-only (закрытие позиции)
}

// OrderResult - результат размещения/исполнения ордера.
type OrderResult struct {
	OrderID      string
	Venue        string
	Symbol       string
	Side         Side
	Status       OrderStatus
	FilledSize   decimal.Decimal
	AveragePrice decimal.Decimal
	Fee          decimal.Decimal
	Timestamp    time.Time
}

// IsFilled возвращает true если ордер исполнен (полностью или частично).
func (r OrderResult) IsFilled() bool {
	return r.Status == OrderStatusFilled || (r.Status == OrderStatusPartial && r.FilledSize.IsPositive())
}

// Opportunity - обнаруженная возможность арбитража по ставкам фандинга.
type Opportunity struct {
	Symbol string

	LongVenue  string // биржа для открытия лонга (ставка ниже)
	ShortVenue string // биржа для открытия шорта (ставка выше)

	LongIntervalHours  int
	ShortIntervalHours int

	LongRate  decimal.Decimal // сырая ставка фандинга лонг-ноги за один интервал
	ShortRate decimal.Decimal // сырая ставка фандинга шорт-ноги за один интервал

	LongDailyRate  decimal.Decimal
	ShortDailyRate decimal.Decimal
	DailySpread    decimal.Decimal // ShortDailyRate - LongDailyRate

	ExpectedProfitPerFunding decimal.Decimal
	ExpectedDailyProfit      decimal.Decimal
	AnnualizedAPR            decimal.Decimal

	NextFundingTime  time.Time
	SecondsToFunding float64

	DetectedAt time.Time
}

// SpreadPercent возвращает суточный спред в процентах.
func (o Opportunity) SpreadPercent() decimal.Decimal {
	return o.DailySpread.Mul(decimal.NewFromInt(100))
}

// Position - открытая или закрытая позиция хеджа из двух ног.
type Position struct {
	ID     string
	Pair   string
	Status PositionStatus

	LongVenue  string
	ShortVenue string

	LongEntryPrice  decimal.Decimal
	ShortEntryPrice decimal.Decimal
	LongClosePrice  decimal.Decimal
	ShortClosePrice decimal.Decimal

	SizeUSD   decimal.Decimal
	LongSize  decimal.Decimal
	ShortSize decimal.Decimal

	LeverageLong  int
	LeverageShort int

	EntryDailySpread decimal.Decimal

	TotalFees        decimal.Decimal
	FundingCollected decimal.Decimal
	RealizedPnL      decimal.Decimal

	OpenedAt time.Time
	ClosedAt time.Time
	Notes    string
}

// IsOpen возвращает true если позиция ещё не закрыта и не ликвидирована.
func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Trade - запись о сделке (одна нога открытия/закрытия).
type Trade struct {
	ID         string
	PositionID string
	Venue      string
	Pair       string
	Side       Side
	Action     OrderAction
	OrderType  string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	OrderID    string
	Status     OrderStatus
	ExecutedAt time.Time
}

// FundingEvent - запись о начислении/списании фандинга по позиции.
type FundingEvent struct {
	ID           string
	PositionID   string
	Venue        string
	Pair         string
	Side         Side
	FundingRate  decimal.Decimal
	PaymentUSD   decimal.Decimal // положительное значение = получено
	PositionSize decimal.Decimal
	OccurredAt   time.Time
}

// VenuePosition - позиция, как её видит конкретная биржа (истина площадки).
type VenuePosition struct {
	Venue           string
	Symbol          string
	Side            Side
	Size            decimal.Decimal
	EntryPrice      decimal.Decimal
	MarkPrice       decimal.Decimal
	Leverage        int
	LiquidationPrice decimal.Decimal
	UpdatedAt       time.Time
}

// FeeTier - уровень комиссий биржи для символа.
type FeeTier struct {
	Venue     string
	Symbol    string
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
	TierLabel string
}

// EngineState - состояние конечного автомата координатора.
type EngineState string

const (
	StateStopped  EngineState = "stopped"
	StateStarting EngineState = "starting"
	StateRunning  EngineState = "running"
	StateStopping EngineState = "stopping"
	StateError    EngineState = "error"
)
