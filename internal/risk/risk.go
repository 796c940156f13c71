// Package risk реализует рубильник (kill switch), паузу торговых пар и
// обнаружение ликвидаций по расхождению между локальным состоянием и
// истиной биржи.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"arbitrage/internal/alert"
	"arbitrage/internal/types"
	"arbitrage/internal/venue"
)

// Config - лимиты риск-менеджера.
type Config struct {
	MaxPositionPerPairUSD decimal.Decimal
	LiquidationPauseFor   time.Duration // на сколько ставится пауза пары после ликвидации
}

// DefaultConfig - консервативные значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		MaxPositionPerPairUSD: decimal.RequireFromString("5000"),
		LiquidationPauseFor:   time.Hour,
	}
}

// CloseAllPositionsFn закрывает все открытые позиции (делегируется
// координатору/менеджеру позиций, чтобы избежать циклического импорта).
type CloseAllPositionsFn func(ctx context.Context, reason string) error

// CancelAllOrdersFn отменяет все открытые ордера на площадке.
type CancelAllOrdersFn func(ctx context.Context, venueName string) error

// Manager - риск-менеджер движка. Хранит состояние рубильника, пауз по
// парам и последний известный снимок позиций по площадкам для выявления
// ликвидаций.
type Manager struct {
	cfg     Config
	venues  map[string]venue.Venue
	alerts  alert.Sender
	log     *zap.Logger

	closeAll  CloseAllPositionsFn
	cancelAll CancelAllOrdersFn

	mu                  sync.Mutex
	killSwitchActive    bool
	killSwitchActivated time.Time

	pausedPairs map[string]time.Time // symbol -> истечение паузы

	lastPositions map[string]map[string]types.VenuePosition // venue -> symbol -> position
}

// New создаёт риск-менеджер.
func New(cfg Config, venues map[string]venue.Venue, alerts alert.Sender, log *zap.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		venues:        venues,
		alerts:        alerts,
		log:           log,
		pausedPairs:   make(map[string]time.Time),
		lastPositions: make(map[string]map[string]types.VenuePosition),
	}
}

// SetCloseAllPositionsFn регистрирует функцию закрытия всех позиций,
// вызываемую рубильником.
func (m *Manager) SetCloseAllPositionsFn(fn CloseAllPositionsFn) { m.closeAll = fn }

// SetCancelAllOrdersFn регистрирует функцию отмены всех ордеров на площадке.
func (m *Manager) SetCancelAllOrdersFn(fn CancelAllOrdersFn) { m.cancelAll = fn }

// ActivateKillSwitch активирует рубильник. Идемпотентна - повторная
// активация при уже активном рубильнике не делает ничего. Отмена ордеров
// и закрытие позиций на каждой площадке выполняются независимо: отказ
// на одной площадке не должен блокировать остальные.
func (m *Manager) ActivateKillSwitch(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.killSwitchActive {
		m.mu.Unlock()
		return
	}
	m.killSwitchActive = true
	m.killSwitchActivated = time.Now().UTC()
	m.mu.Unlock()

	if m.log != nil {
		m.log.Warn("рубильник активирован", zap.String("reason", reason))
	}
	m.alerts.Send(ctx, alert.SeverityCritical, "Kill switch activated", reason)

	if m.cancelAll != nil {
		for name := range m.venues {
			if err := m.cancelAll(ctx, name); err != nil && m.log != nil {
				m.log.Error("не удалось отменить ордера при активации рубильника", zap.String("venue", name), zap.Error(err))
			}
		}
	}

	if m.closeAll != nil {
		if err := m.closeAll(ctx, "kill_switch"); err != nil && m.log != nil {
			m.log.Error("не удалось закрыть все позиции при активации рубильника", zap.Error(err))
		}
	}
}

// DeactivateKillSwitch снимает рубильник. Вызывается только вручную -
// автоматического сброса нет.
func (m *Manager) DeactivateKillSwitch(ctx context.Context) {
	m.mu.Lock()
	m.killSwitchActive = false
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("рубильник деактивирован")
	}
	m.alerts.Send(ctx, alert.SeverityInfo, "Kill switch deactivated", "")
}

// IsKillSwitchActive возвращает состояние рубильника.
func (m *Manager) IsKillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitchActive
}

// PausePair ставит пару на паузу на заданную длительность.
func (m *Manager) PausePair(symbol string, forDuration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausedPairs[symbol] = time.Now().UTC().Add(forDuration)
}

// IsPairPaused проверяет, стоит ли пара на паузе, попутно вычищая
// истёкшие записи (самоочистка при чтении).
func (m *Manager) IsPairPaused(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.pausedPairs[symbol]
	if !ok {
		return false
	}
	if time.Now().UTC().After(expiry) {
		delete(m.pausedPairs, symbol)
		return false
	}
	return true
}

// CanOpenPosition проверяет рубильник, паузу пары и лимит размера -
// именно в этом порядке, как того требует риск-контур.
func (m *Manager) CanOpenPosition(symbol string, sizeUSD decimal.Decimal) (bool, string) {
	if m.IsKillSwitchActive() {
		return false, "kill switch active"
	}
	if m.IsPairPaused(symbol) {
		return false, "pair paused"
	}
	if sizeUSD.GreaterThan(m.cfg.MaxPositionPerPairUSD) {
		return false, "position size exceeds limit"
	}
	return true, ""
}

// CheckForLiquidations сравнивает текущий снимок позиций с предыдущим и
// возвращает символы, по которым позиция на площадке пропала, хотя ранее
// там отслеживалась ликвидационная цена - то есть вероятно была
// ликвидирована, а не закрыта штатно.
func (m *Manager) CheckForLiquidations(venueName string, current map[string]types.VenuePosition) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.lastPositions[venueName]
	var liquidated []string
	for symbol, prevPos := range previous {
		if prevPos.LiquidationPrice.IsZero() {
			continue
		}
		if _, stillOpen := current[symbol]; !stillOpen {
			liquidated = append(liquidated, symbol)
		}
	}

	cur := make(map[string]types.VenuePosition, len(current))
	for k, v := range current {
		cur[k] = v
	}
	m.lastPositions[venueName] = cur

	return liquidated
}

// HandleLiquidation закрывает уцелевшую ногу рыночным reduce-only
// ордером и ставит пару на паузу - пауза выставляется даже если закрытие
// уцелевшей ноги завершилось ошибкой.
func (m *Manager) HandleLiquidation(ctx context.Context, symbol, liquidatedVenue, survivingVenue string, closeSurviving func(ctx context.Context) error) {
	if closeSurviving != nil {
		if err := closeSurviving(ctx); err != nil && m.log != nil {
			m.log.Error("не удалось закрыть уцелевшую ногу после ликвидации",
				zap.String("symbol", symbol), zap.String("surviving_venue", survivingVenue), zap.Error(err))
		}
	}

	m.PausePair(symbol, m.cfg.LiquidationPauseFor)

	if m.log != nil {
		m.log.Warn("обнаружена ликвидация", zap.String("symbol", symbol), zap.String("venue", liquidatedVenue))
	}
	m.alerts.Send(ctx, alert.SeverityCritical, "Position liquidated",
		symbol+" liquidated on "+liquidatedVenue)
}
