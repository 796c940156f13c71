// Package executor исполняет вход и выход из двухногого хедж-арбитража:
// выбирает очерёдность ног по ликвидности стакана, опрашивает
// исполнение до таймаута и аварийно закрывает первую ногу, если вторая
// не смогла открыться.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"arbitrage/internal/types"
	"arbitrage/internal/venue"
	"arbitrage/pkg/retry"
)

// Config настраивает таймауты исполнения.
type Config struct {
	FillPollInterval time.Duration
	FillTimeout      time.Duration
	DepthLevels      int // сколько уровней стакана учитывать при выборе очерёдности ног
}

// DefaultConfig - опрос каждые 500мс, таймаут 10с, глубина топ-5.
func DefaultConfig() Config {
	return Config{FillPollInterval: 500 * time.Millisecond, FillTimeout: 10 * time.Second, DepthLevels: 5}
}

// Result - итог операции входа или выхода.
type Result struct {
	Success     bool
	LongOrder   *types.OrderResult
	ShortOrder  *types.OrderResult
	ErrorMessage string
	ElapsedTime time.Duration
}

// legResultPool - пул result-каналов для параллельных ног, чтобы не
// аллоцировать канал на каждое исполнение.
var legResultPool = sync.Pool{
	New: func() interface{} { return make(chan legOutcome, 1) },
}

type legOutcome struct {
	result types.OrderResult
	err    error
}

func acquireLegChan() chan legOutcome {
	return legResultPool.Get().(chan legOutcome)
}

func releaseLegChan(ch chan legOutcome) {
	select {
	case <-ch:
	default:
	}
	legResultPool.Put(ch)
}

// Executor исполняет вход/выход из арбитражной позиции между двумя
// площадками.
type Executor struct {
	cfg    Config
	venues map[string]venue.Venue
	log    *zap.Logger
}

// New создаёт исполнителя над набором площадок.
func New(cfg Config, venues map[string]venue.Venue, log *zap.Logger) *Executor {
	return &Executor{cfg: cfg, venues: venues, log: log}
}

// defaultLeverage применяется, когда EnterParams не задаёт плечо для
// площадки явно.
const defaultLeverage = 5

// EnterParams - параметры открытия позиции по возможности арбитража.
type EnterParams struct {
	Symbol     string
	LongVenue  string
	ShortVenue string

	// SizeUSD - целевой размер ноги в USD. Количество контрактов на
	// каждой ноге считается делением на цену мид этой ноги в момент
	// размещения, а не заранее в базовой валюте - цены на двух
	// площадках расходятся, и фиксировать объём по одной из них исказит
	// реальный размер хеджа на другой.
	SizeUSD decimal.Decimal

	LongLeverage  int // плечо для LongVenue; 0 -> defaultLeverage
	ShortLeverage int // плечо для ShortVenue; 0 -> defaultLeverage
}

// EnterPosition открывает обе ноги хеджа. Сначала выставляется плечо на
// обеих площадках и проверяется, что у обоих стаканов есть цена мид -
// без неё нельзя ни посчитать объём, ни выставить лимитный ордер по
// разумной цене. Нога с меньшей глубиной топ-5 стакана исполняется
// первой - у неё выше риск проскальзывания/отказа, и лучше узнать об
// этом раньше, чем отправлять вторую ногу. Перед размещением второй
// ноги стакан её площадки перечитывается заново: пока исполнялась
// первая нога, котировки могли уйти. Если вторая нога не исполняется,
// первая аварийно закрывается рыночным reduce-only ордером.
func (e *Executor) EnterPosition(ctx context.Context, p EnterParams) Result {
	start := time.Now()

	longVenue, ok := e.venues[p.LongVenue]
	if !ok {
		return Result{ErrorMessage: fmt.Sprintf("unknown venue %s", p.LongVenue)}
	}
	shortVenue, ok := e.venues[p.ShortVenue]
	if !ok {
		return Result{ErrorMessage: fmt.Sprintf("unknown venue %s", p.ShortVenue)}
	}

	longLeverage := p.LongLeverage
	if longLeverage <= 0 {
		longLeverage = defaultLeverage
	}
	shortLeverage := p.ShortLeverage
	if shortLeverage <= 0 {
		shortLeverage = defaultLeverage
	}
	if err := longVenue.SetLeverage(ctx, p.Symbol, longLeverage); err != nil && e.log != nil {
		e.log.Warn("не удалось выставить плечо", zap.String("venue", p.LongVenue), zap.String("symbol", p.Symbol), zap.Error(err))
	}
	if err := shortVenue.SetLeverage(ctx, p.Symbol, shortLeverage); err != nil && e.log != nil {
		e.log.Warn("не удалось выставить плечо", zap.String("venue", p.ShortVenue), zap.String("symbol", p.Symbol), zap.Error(err))
	}

	longBook, err := longVenue.GetOrderBook(ctx, p.Symbol, e.cfg.DepthLevels)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("order book %s: %v", p.LongVenue, err)}
	}
	shortBook, err := shortVenue.GetOrderBook(ctx, p.Symbol, e.cfg.DepthLevels)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("order book %s: %v", p.ShortVenue, err)}
	}

	longMid, ok := longBook.MidPrice()
	if !ok {
		return Result{ErrorMessage: fmt.Sprintf("orderbook_missing_price: %s %s has no usable mid", p.LongVenue, p.Symbol)}
	}
	shortMid, ok := shortBook.MidPrice()
	if !ok {
		return Result{ErrorMessage: fmt.Sprintf("orderbook_missing_price: %s %s has no usable mid", p.ShortVenue, p.Symbol)}
	}

	longDepth := longBook.TopDepth("ask", e.cfg.DepthLevels)
	shortDepth := shortBook.TopDepth("bid", e.cfg.DepthLevels)

	type leg struct {
		venueName string
		v         venue.Venue
		side      types.Side
		depth     decimal.Decimal
		mid       decimal.Decimal
	}
	legs := []leg{
		{p.LongVenue, longVenue, types.SideLong, longDepth, longMid},
		{p.ShortVenue, shortVenue, types.SideShort, shortDepth, shortMid},
	}
	if legs[1].depth.LessThan(legs[0].depth) {
		legs[0], legs[1] = legs[1], legs[0]
	}

	firstQty := p.SizeUSD.Div(legs[0].mid)
	firstResult, err := e.executeLeg(ctx, legs[0].v, types.Order{
		Venue: legs[0].venueName, Symbol: p.Symbol, Side: legs[0].side, Type: "limit", Price: legs[0].mid, Quantity: firstQty,
	})
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("leg %s failed: %v", legs[0].venueName, err), ElapsedTime: time.Since(start)}
	}

	freshBook, err := legs[1].v.GetOrderBook(ctx, p.Symbol, e.cfg.DepthLevels)
	if err != nil {
		e.emergencyClose(ctx, legs[0].v, legs[0].venueName, p.Symbol, legs[0].side, firstQty)
		return Result{
			ErrorMessage: fmt.Sprintf("second_leg_orderbook_missing_price: %s order book unavailable, first leg unwound: %v", legs[1].venueName, err),
			ElapsedTime:  time.Since(start),
		}
	}
	freshMid, ok := freshBook.MidPrice()
	if !ok {
		e.emergencyClose(ctx, legs[0].v, legs[0].venueName, p.Symbol, legs[0].side, firstQty)
		return Result{
			ErrorMessage: fmt.Sprintf("second_leg_orderbook_missing_price: %s %s has no usable mid, first leg unwound", legs[1].venueName, p.Symbol),
			ElapsedTime:  time.Since(start),
		}
	}

	secondQty := p.SizeUSD.Div(freshMid)
	secondResult, err := e.executeLeg(ctx, legs[1].v, types.Order{
		Venue: legs[1].venueName, Symbol: p.Symbol, Side: legs[1].side, Type: "limit", Price: freshMid, Quantity: secondQty,
	})
	if err != nil {
		// Вторая нога не встала - аварийно закрываем первую, чтобы не
		// оставить однобокую незахеджированную позицию.
		e.emergencyClose(ctx, legs[0].v, legs[0].venueName, p.Symbol, legs[0].side, firstQty)
		return Result{
			ErrorMessage: fmt.Sprintf("second leg %s failed, first leg unwound: %v", legs[1].venueName, err),
			ElapsedTime:  time.Since(start),
		}
	}

	result := Result{Success: true, ElapsedTime: time.Since(start)}
	for i, lg := range legs {
		var res types.OrderResult
		if i == 0 {
			res = firstResult
		} else {
			res = secondResult
		}
		if lg.side == types.SideLong {
			result.LongOrder = &res
		} else {
			result.ShortOrder = &res
		}
	}
	return result
}

// executeLeg размещает ордер и опрашивает его состояние до исполнения
// либо до истечения таймаута (с отменой ордера при таймауте).
func (e *Executor) executeLeg(ctx context.Context, v venue.Venue, order types.Order) (types.OrderResult, error) {
	res, err := v.PlaceOrder(ctx, order)
	if err != nil {
		return types.OrderResult{}, err
	}
	if res.IsFilled() {
		return res, nil
	}

	deadline := time.Now().Add(e.cfg.FillTimeout)
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return types.OrderResult{}, ctx.Err()
		case <-ticker.C:
			cur, err := v.GetOrder(ctx, order.Symbol, res.OrderID)
			if err != nil {
				continue
			}
			if cur.IsFilled() {
				return cur, nil
			}
		}
	}

	_ = v.CancelOrder(ctx, order.Symbol, res.OrderID)
	return types.OrderResult{}, fmt.Errorf("order %s not filled within timeout", res.OrderID)
}

// emergencyClose откатывает первую ногу, когда вторая не смогла открыться.
// Оставить первую ногу непогашенной хуже, чем несколько раз повторить
// ордер, поэтому используется AggressiveConfig вместо одной попытки.
func (e *Executor) emergencyClose(ctx context.Context, v venue.Venue, venueName, symbol string, side types.Side, size decimal.Decimal) {
	err := retry.Do(ctx, func() error {
		_, err := v.PlaceOrder(ctx, types.Order{
			Venue: venueName, Symbol: symbol, Side: side.Opposite(), Type: "market", Quantity: size, Reduce: true,
		})
		return err
	}, retry.AggressiveConfig())
	if err != nil && e.log != nil {
		e.log.Error("аварийное закрытие ноги не удалось", zap.String("venue", venueName), zap.String("symbol", symbol), zap.Error(err))
	}
}

// CloseLeg закрывает одну ногу позиции reduce-only маркет-ордером.
// Используется при ликвидации одной из ног, когда закрывать нужно
// только уцелевшую сторону, а не обе ноги через ExitPosition.
func (e *Executor) CloseLeg(ctx context.Context, venueName, symbol string, side types.Side, size decimal.Decimal) (types.OrderResult, error) {
	v, ok := e.venues[venueName]
	if !ok {
		return types.OrderResult{}, fmt.Errorf("unknown venue %s", venueName)
	}
	return e.executeLeg(ctx, v, types.Order{
		Venue: venueName, Symbol: symbol, Side: side.Opposite(), Type: "market", Quantity: size, Reduce: true,
	})
}

// ExitParams - параметры закрытия позиции.
type ExitParams struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
	LongSize   decimal.Decimal
	ShortSize  decimal.Decimal
}

// ExitPosition закрывает обе ноги параллельно. В отличие от входа, здесь
// нет смысла в последовательности - обе ноги закрываются одновременно,
// и успех определяется исполнением обеих.
func (e *Executor) ExitPosition(ctx context.Context, p ExitParams) Result {
	start := time.Now()

	longCh := acquireLegChan()
	defer releaseLegChan(longCh)
	shortCh := acquireLegChan()
	defer releaseLegChan(shortCh)

	go func() {
		v, ok := e.venues[p.LongVenue]
		if !ok {
			longCh <- legOutcome{err: fmt.Errorf("unknown venue %s", p.LongVenue)}
			return
		}
		res, err := e.executeLeg(ctx, v, types.Order{
			Venue: p.LongVenue, Symbol: p.Symbol, Side: types.SideShort, Type: "market", Quantity: p.LongSize, Reduce: true,
		})
		longCh <- legOutcome{result: res, err: err}
	}()

	go func() {
		v, ok := e.venues[p.ShortVenue]
		if !ok {
			shortCh <- legOutcome{err: fmt.Errorf("unknown venue %s", p.ShortVenue)}
			return
		}
		res, err := e.executeLeg(ctx, v, types.Order{
			Venue: p.ShortVenue, Symbol: p.Symbol, Side: types.SideLong, Type: "market", Quantity: p.ShortSize, Reduce: true,
		})
		shortCh <- legOutcome{result: res, err: err}
	}()

	longOut := <-longCh
	shortOut := <-shortCh

	result := Result{ElapsedTime: time.Since(start)}
	if longOut.err == nil {
		r := longOut.result
		result.LongOrder = &r
	}
	if shortOut.err == nil {
		r := shortOut.result
		result.ShortOrder = &r
	}
	result.Success = result.LongOrder != nil && result.ShortOrder != nil
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("long_err=%v short_err=%v", longOut.err, shortOut.err)
	}
	return result
}
