// Package coordinator связывает сканер ставок, детектор возможностей,
// исполнителя и риск-менеджер в единый конечный автомат движка:
// STOPPED -> STARTING -> RUNNING -> STOPPING (-> STOPPED). Start
// принимается также из ERROR, но сам координатор в ERROR не переводит.
// Обработка обнаруженных возможностей и закрытие позиций выполняются
// в отдельных горутинах, чтобы не блокировать колбэк сканера - тот
// ждёт возврата перед следующим опросом.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"arbitrage/internal/broadcast"
	"arbitrage/internal/detector"
	"arbitrage/internal/executor"
	"arbitrage/internal/positionmgr"
	"arbitrage/internal/risk"
	"arbitrage/internal/scanner"
	"arbitrage/internal/types"
	"arbitrage/internal/venue"
)

// Config - параметры координатора.
type Config struct {
	Symbols              []string
	SizeUSD              decimal.Decimal // целевой размер новой позиции в USD
	SimulationMode       bool
	FundingCheckInterval time.Duration  // период фонового цикла проверки ликвидаций/начислений
	Leverage             map[string]int // плечо по умолчанию на площадку (venue -> leverage)
}

// DefaultConfig - размер позиции 1000 USD, фоновый цикл каждые 5 минут.
func DefaultConfig() Config {
	return Config{
		SizeUSD:              decimal.RequireFromString("1000"),
		FundingCheckInterval: 5 * time.Minute,
	}
}

// Status - снимок состояния движка для API/UI.
type Status struct {
	State             types.EngineState
	SimulationMode    bool
	ConnectedVenues   []string
	MonitoredSymbols  []string
	OpenPositions     int
	LastScanAt        time.Time
	LastOpportunityAt time.Time
	KillSwitchActive  bool
	ErrorMessage      string
}

// Coordinator - главный оркестратор движка арбитража фандинга.
type Coordinator struct {
	cfg       Config
	venues    map[string]venue.Venue
	scan      *scanner.Scanner
	det       *detector.Detector
	exec      *executor.Executor
	risk      *risk.Manager
	positions *positionmgr.Manager
	bus       *broadcast.Bus
	log       *zap.Logger

	mu                sync.Mutex
	state             types.EngineState
	errMsg            string
	lastScanAt        time.Time
	lastOpportunityAt time.Time
	inFlight          map[string]bool // символы, по которым сейчас идёт вход/выход

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт координатор над уже настроенными компонентами движка и
// регистрирует себя колбэком сканера и исполнителем риск-действий.
func New(
	cfg Config,
	venues map[string]venue.Venue,
	scan *scanner.Scanner,
	det *detector.Detector,
	exec *executor.Executor,
	riskMgr *risk.Manager,
	positions *positionmgr.Manager,
	bus *broadcast.Bus,
	log *zap.Logger,
) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		venues:    venues,
		scan:      scan,
		det:       det,
		exec:      exec,
		risk:      riskMgr,
		positions: positions,
		bus:       bus,
		log:       log,
		state:     types.StateStopped,
		inFlight:  make(map[string]bool),
	}
	riskMgr.SetCloseAllPositionsFn(c.closeAllPositions)
	riskMgr.SetCancelAllOrdersFn(c.cancelAllOrders)
	scan.OnUpdate(c.onRatesUpdate)
	return c
}

// Start переводит движок из STOPPED/ERROR в RUNNING и запускает фоновые
// циклы сканера и проверки ликвидаций/фандинга. Повторный Start на уже
// запущенном движке - ошибка.
func (c *Coordinator) Start(parent context.Context) error {
	c.mu.Lock()
	if c.state != types.StateStopped && c.state != types.StateError {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("coordinator: cannot start from state %s", st)
	}
	c.state = types.StateStarting
	runCtx, cancel := context.WithCancel(parent)
	c.ctx = runCtx
	c.cancel = cancel
	c.mu.Unlock()
	c.broadcastStatus()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.scan.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.fundingLoop(runCtx)
	}()

	c.mu.Lock()
	c.state = types.StateRunning
	c.mu.Unlock()
	c.broadcastStatus()

	if c.log != nil {
		c.log.Info("координатор запущен", zap.Bool("simulation", c.cfg.SimulationMode), zap.Strings("symbols", c.cfg.Symbols))
	}
	return nil
}

// Stop останавливает фоновые циклы и дожидается их завершения. Вызов на
// неработающем движке - no-op.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != types.StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = types.StateStopping
	cancel := c.cancel
	c.mu.Unlock()
	c.broadcastStatus()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = types.StateStopped
	c.mu.Unlock()
	c.broadcastStatus()

	if c.log != nil {
		c.log.Info("координатор остановлен")
	}
}

func (c *Coordinator) currentCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// fundingLoop периодически проверяет площадки на предмет ликвидаций и
// начисляет ожидаемый фандинг по открытым позициям - аналог отдельного
// фонового цикла движка, не зависящего от тиков сканера ставок.
func (c *Coordinator) fundingLoop(ctx context.Context) {
	interval := c.cfg.FundingCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkLiquidations(ctx)
			c.accrueFunding(ctx)
		}
	}
}

// onRatesUpdate - колбэк сканера, вызываемый последовательно после
// каждого цикла опроса. Оценивает удержание открытых позиций и ищет
// новую возможность; фактическое исполнение входа/выхода выносится в
// отдельные горутины, чтобы не задерживать следующий тик сканера.
func (c *Coordinator) onRatesUpdate(snapshot scanner.Snapshot) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastScanAt = now
	c.mu.Unlock()

	ctx := c.currentCtx()
	ds := detector.Snapshot(snapshot)

	openPositions, err := c.positions.GetOpenPositions(ctx)
	if err != nil {
		if c.log != nil {
			c.log.Error("не удалось получить открытые позиции", zap.Error(err))
		}
		return
	}

	excluded := make(map[string]struct{}, len(openPositions))
	for _, pos := range openPositions {
		excluded[pos.Pair] = struct{}{}

		keep, _, reason := c.det.EvaluateExisting(ds, pos.Pair, pos.LongVenue, pos.ShortVenue)
		if !keep {
			p := pos
			r := reason
			go c.closePositionInternal(ctx, p, r)
		}
	}

	if c.risk.IsKillSwitchActive() {
		return
	}

	best, found := c.det.FindBest(ds, c.cfg.SizeUSD, now, excluded)
	if !found {
		return
	}

	c.mu.Lock()
	c.lastOpportunityAt = now
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(broadcast.EventOpportunity, best)
	}

	go c.executeEntry(ctx, best)
}

// tryLock помечает символ как находящийся в процессе входа/выхода,
// предотвращая повторный запуск исполнения по той же паре, пока первое
// не завершилось.
func (c *Coordinator) tryLock(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[symbol] {
		return false
	}
	c.inFlight[symbol] = true
	return true
}

func (c *Coordinator) unlock(symbol string) {
	c.mu.Lock()
	delete(c.inFlight, symbol)
	c.mu.Unlock()
}

// executeEntry проверяет риск-контур и открывает обе ноги возможности.
func (c *Coordinator) executeEntry(ctx context.Context, o types.Opportunity) {
	if ok, reason := c.risk.CanOpenPosition(o.Symbol, c.cfg.SizeUSD); !ok {
		if c.log != nil {
			c.log.Debug("возможность отклонена риск-контуром", zap.String("symbol", o.Symbol), zap.String("reason", reason))
		}
		return
	}
	if !c.tryLock(o.Symbol) {
		return
	}
	defer c.unlock(o.Symbol)

	res := c.exec.EnterPosition(ctx, executor.EnterParams{
		Symbol:        o.Symbol,
		LongVenue:     o.LongVenue,
		ShortVenue:    o.ShortVenue,
		SizeUSD:       c.cfg.SizeUSD,
		LongLeverage:  c.cfg.Leverage[o.LongVenue],
		ShortLeverage: c.cfg.Leverage[o.ShortVenue],
	})
	if !res.Success {
		if c.log != nil {
			c.log.Warn("вход в позицию не удался", zap.String("symbol", o.Symbol), zap.String("error", res.ErrorMessage))
		}
		if c.bus != nil {
			c.bus.Publish(broadcast.EventError, map[string]string{"symbol": o.Symbol, "error": res.ErrorMessage})
		}
		return
	}

	pos, err := c.positions.CreatePosition(ctx, o, res, c.cfg.SizeUSD)
	if err != nil {
		if c.log != nil {
			c.log.Error("не удалось сохранить открытую позицию", zap.String("symbol", o.Symbol), zap.Error(err))
		}
		return
	}

	if c.log != nil {
		c.log.Info("позиция открыта", zap.String("position_id", pos.ID), zap.String("symbol", pos.Pair),
			zap.String("long_venue", pos.LongVenue), zap.String("short_venue", pos.ShortVenue))
	}
	if c.bus != nil {
		c.bus.Publish(broadcast.EventTradeExecuted, pos)
	}
}

// closePositionInternal закрывает обе ноги позиции и фиксирует результат.
func (c *Coordinator) closePositionInternal(ctx context.Context, pos *types.Position, reason string) {
	if !c.tryLock(pos.Pair) {
		return
	}
	defer c.unlock(pos.Pair)

	res := c.exec.ExitPosition(ctx, executor.ExitParams{
		Symbol: pos.Pair, LongVenue: pos.LongVenue, ShortVenue: pos.ShortVenue,
		LongSize: pos.LongSize, ShortSize: pos.ShortSize,
	})
	if !res.Success {
		if c.log != nil {
			c.log.Error("выход из позиции не удался", zap.String("position_id", pos.ID), zap.String("error", res.ErrorMessage))
		}
		return
	}

	updated, err := c.positions.ClosePosition(ctx, pos.ID, res)
	if err != nil {
		if c.log != nil {
			c.log.Error("не удалось зафиксировать закрытие позиции", zap.String("position_id", pos.ID), zap.Error(err))
		}
		return
	}

	if c.log != nil {
		c.log.Info("позиция закрыта", zap.String("position_id", pos.ID), zap.String("reason", reason))
	}
	if c.bus != nil {
		c.bus.Publish(broadcast.EventPositionUpdate, updated)
	}
}

// ClosePosition закрывает позицию по запросу оператора (в отличие от
// автоматического закрытия по схлопыванию спреда).
func (c *Coordinator) ClosePosition(ctx context.Context, positionID string) error {
	pos, err := c.positions.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if !pos.IsOpen() {
		return fmt.Errorf("coordinator: position %s is not open", positionID)
	}
	c.closePositionInternal(ctx, pos, "manual")
	return nil
}

// closeAllPositions закрывает все открытые позиции - регистрируется в
// risk.Manager как CloseAllPositionsFn, вызывается при активации
// рубильника. Отказ по одной позиции не прерывает закрытие остальных.
func (c *Coordinator) closeAllPositions(ctx context.Context, reason string) error {
	positions, err := c.positions.GetOpenPositions(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, pos := range positions {
		res := c.exec.ExitPosition(ctx, executor.ExitParams{
			Symbol: pos.Pair, LongVenue: pos.LongVenue, ShortVenue: pos.ShortVenue,
			LongSize: pos.LongSize, ShortSize: pos.ShortSize,
		})
		if !res.Success {
			if firstErr == nil {
				firstErr = fmt.Errorf("position %s: %s", pos.ID, res.ErrorMessage)
			}
			continue
		}
		if _, err := c.positions.ClosePosition(ctx, pos.ID, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cancelAllOrders регистрируется в risk.Manager как CancelAllOrdersFn и
// вызывается один раз на площадку при активации рубильника.
func (c *Coordinator) cancelAllOrders(ctx context.Context, venueName string) error {
	v, ok := c.venues[venueName]
	if !ok {
		return fmt.Errorf("unknown venue %s", venueName)
	}
	n, err := v.CancelAllOrders(ctx, "")
	if err != nil {
		return err
	}
	if c.log != nil {
		c.log.Info("ордера отменены при активации рубильника", zap.String("venue", venueName), zap.Int("cancelled", n))
	}
	return nil
}

// ActivateKillSwitch активирует рубильник через риск-менеджер.
func (c *Coordinator) ActivateKillSwitch(ctx context.Context, reason string) {
	c.risk.ActivateKillSwitch(ctx, reason)
	c.broadcastStatus()
}

// DeactivateKillSwitch снимает рубильник.
func (c *Coordinator) DeactivateKillSwitch(ctx context.Context) {
	c.risk.DeactivateKillSwitch(ctx)
	c.broadcastStatus()
}

// checkLiquidations опрашивает каждую площадку на предмет позиций по
// отслеживаемым символам и передаёт снимок риск-менеджеру для сравнения
// с предыдущим состоянием.
func (c *Coordinator) checkLiquidations(ctx context.Context) {
	for name, v := range c.venues {
		current := make(map[string]types.VenuePosition)
		for _, symbol := range c.cfg.Symbols {
			pos, found, err := v.GetPosition(ctx, symbol)
			if err != nil {
				continue
			}
			if found {
				current[symbol] = pos
			}
		}

		liquidated := c.risk.CheckForLiquidations(name, current)
		for _, symbol := range liquidated {
			c.handleLiquidation(ctx, name, symbol)
		}
	}
}

// handleLiquidation закрывает уцелевшую ногу и фиксирует позицию как
// ликвидированную.
func (c *Coordinator) handleLiquidation(ctx context.Context, liquidatedVenue, symbol string) {
	pos, found, err := c.positions.GetPositionForPair(ctx, symbol)
	if err != nil || !found {
		return
	}

	survivingVenue := pos.ShortVenue
	survivingSide := types.SideShort
	survivingSize := pos.ShortSize
	if liquidatedVenue == pos.ShortVenue {
		survivingVenue = pos.LongVenue
		survivingSide = types.SideLong
		survivingSize = pos.LongSize
	}

	var survivingResult *executor.Result
	closeFn := func(ctx context.Context) error {
		res, err := c.exec.CloseLeg(ctx, survivingVenue, symbol, survivingSide, survivingSize)
		if err != nil {
			return err
		}
		r := &executor.Result{Success: true}
		if survivingSide == types.SideLong {
			r.LongOrder = &res
		} else {
			r.ShortOrder = &res
		}
		survivingResult = r
		return nil
	}

	c.risk.HandleLiquidation(ctx, symbol, liquidatedVenue, survivingVenue, closeFn)

	if _, err := c.positions.MarkLiquidated(ctx, pos.ID, liquidatedVenue, survivingResult); err != nil && c.log != nil {
		c.log.Error("не удалось зафиксировать ликвидацию", zap.String("position_id", pos.ID), zap.Error(err))
	}
	if c.bus != nil {
		c.bus.Publish(broadcast.EventAlert, map[string]string{"symbol": symbol, "venue": liquidatedVenue, "type": "liquidation"})
	}
}

// accrueFunding оценивает и записывает начисление фандинга по каждой
// открытой позиции на основе последнего известного сканеру снимка ставок.
func (c *Coordinator) accrueFunding(ctx context.Context) {
	positions, err := c.positions.GetOpenPositions(ctx)
	if err != nil {
		if c.log != nil {
			c.log.Error("не удалось получить открытые позиции для начисления фандинга", zap.Error(err))
		}
		return
	}

	snapshot := c.scan.Snapshot()
	for _, pos := range positions {
		c.accruePositionFunding(ctx, pos, snapshot)
	}
}

// fundingProximityWindow - начисление засчитывается только внутри этого
// окна после расчётного момента фандинга, иначе фоновый цикл (тикающий
// каждые 5 минут) начислял бы один и тот же платёж на каждом тике.
const fundingProximityWindow = 300 * time.Second

// dueForAccrual определяет, только что ли прошёл расчётный момент
// фандинга для ставки rate: момент тика - это next_funding_time минус
// один интервал, и начисление засчитывается, только если now попало в
// fundingProximityWindow сразу после этого момента.
func dueForAccrual(rate types.FundingRate, now time.Time) bool {
	if rate.IntervalHours <= 0 {
		return false
	}
	tickAt := rate.NextFundingTime.Add(-time.Duration(rate.IntervalHours) * time.Hour)
	elapsed := now.Sub(tickAt)
	return elapsed >= 0 && elapsed < fundingProximityWindow
}

func (c *Coordinator) accruePositionFunding(ctx context.Context, pos *types.Position, snapshot scanner.Snapshot) {
	now := time.Now().UTC()

	// Знак платежа здесь - чистый денежный поток в FundingCollected
	// позиции (положительное значение = собрано, отрицательное = уплачено),
	// а не формула "payment = rate * leg_size, отрицается для шорта" из
	// спецификации, которая считает в обратную сторону - от стоимости для
	// плательщика. При rate > 0 лонг платит фандинг шорту: для нашего
	// знака это означает отрицательную запись на лонг-ноге и
	// положительную на шорт-ноге - то есть отрицание переносится на лонг,
	// а не на шорт. Экономический эффект тот же, знак инвертирован
	// намеренно, чтобы совпадать с полем FundingCollected.
	if rate, ok := rateFor(snapshot, pos.LongVenue, pos.Pair); ok && dueForAccrual(rate, now) {
		payment := rate.Rate.Neg().Mul(pos.LongSize).Mul(pos.LongEntryPrice)
		if _, err := c.positions.RecordFundingPayment(ctx, pos.ID, pos.LongVenue, types.SideLong, rate.Rate, payment, pos.LongSize); err != nil && c.log != nil {
			c.log.Error("не удалось записать начисление фандинга (long)", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	if rate, ok := rateFor(snapshot, pos.ShortVenue, pos.Pair); ok && dueForAccrual(rate, now) {
		payment := rate.Rate.Mul(pos.ShortSize).Mul(pos.ShortEntryPrice)
		if _, err := c.positions.RecordFundingPayment(ctx, pos.ID, pos.ShortVenue, types.SideShort, rate.Rate, payment, pos.ShortSize); err != nil && c.log != nil {
			c.log.Error("не удалось записать начисление фандинга (short)", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
}

func rateFor(snapshot scanner.Snapshot, venueName, symbol string) (types.FundingRate, bool) {
	bySymbol, ok := snapshot[venueName]
	if !ok {
		return types.FundingRate{}, false
	}
	r, ok := bySymbol[symbol]
	return r, ok
}

// ReconcileState сверяет локальные открытые позиции с истиной площадок.
func (c *Coordinator) ReconcileState(ctx context.Context) ([]string, error) {
	return c.positions.ReconcileWithVenues(ctx)
}

// GetStatus возвращает снимок текущего состояния движка.
func (c *Coordinator) GetStatus(ctx context.Context) Status {
	c.mu.Lock()
	st := Status{
		State:             c.state,
		SimulationMode:    c.cfg.SimulationMode,
		MonitoredSymbols:  append([]string(nil), c.cfg.Symbols...),
		LastScanAt:        c.lastScanAt,
		LastOpportunityAt: c.lastOpportunityAt,
		ErrorMessage:      c.errMsg,
	}
	c.mu.Unlock()

	for name := range c.venues {
		st.ConnectedVenues = append(st.ConnectedVenues, name)
	}
	st.KillSwitchActive = c.risk.IsKillSwitchActive()
	if positions, err := c.positions.GetOpenPositions(ctx); err == nil {
		st.OpenPositions = len(positions)
	}
	return st
}

func (c *Coordinator) broadcastStatus() {
	if c.bus == nil {
		return
	}
	c.bus.Publish(broadcast.EventEngineStatus, c.GetStatus(c.currentCtx()))
}
