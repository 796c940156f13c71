// Package positionmgr управляет жизненным циклом арбитражной позиции:
// создание из успешного исполнения, закрытие с расчётом P&L, учёт
// начислений фандинга, пометка ликвидации и сверка с площадками.
package positionmgr

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbitrage/internal/executor"
	"arbitrage/internal/repository"
	"arbitrage/internal/types"
	"arbitrage/internal/venue"
)

// InvariantError сигнализирует о нарушении инварианта домена (например,
// попытке создать позицию из неуспешного исполнения) - в отличие от
// обычной ошибки репозитория/сети, это программная ошибка вызывающей
// стороны и никогда не ретраится.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return e.Msg }

// Manager управляет позициями через ArbRepository.
type Manager struct {
	repo   repository.ArbRepository
	venues map[string]venue.Venue
}

// New создаёт менеджер позиций над репозиторием и набором площадок
// (площадки нужны только для чтения плеча/сверки, не для ордеров).
func New(repo repository.ArbRepository, venues map[string]venue.Venue) *Manager {
	return &Manager{repo: repo, venues: venues}
}

// CreatePosition создаёт позицию из успешного результата исполнения
// входа. Если execution.Success == false или одна из ног отсутствует,
// возвращает *InvariantError - это нарушение инварианта вызывающей
// стороны (Coordinator обязан проверять Success перед вызовом).
func (m *Manager) CreatePosition(ctx context.Context, o types.Opportunity, execResult executor.Result, sizeUSD decimal.Decimal) (*types.Position, error) {
	if !execResult.Success || execResult.LongOrder == nil || execResult.ShortOrder == nil {
		return nil, &InvariantError{Msg: "cannot create position from failed execution"}
	}

	longLeverage, shortLeverage := 5, 5
	if v, ok := m.venues[o.LongVenue]; ok {
		if pos, found, err := v.GetPosition(ctx, o.Symbol); err == nil && found && pos.Leverage > 0 {
			longLeverage = pos.Leverage
		}
	}
	if v, ok := m.venues[o.ShortVenue]; ok {
		if pos, found, err := v.GetPosition(ctx, o.Symbol); err == nil && found && pos.Leverage > 0 {
			shortLeverage = pos.Leverage
		}
	}

	totalFees := execResult.LongOrder.Fee.Add(execResult.ShortOrder.Fee)

	position := &types.Position{
		ID:               uuid.NewString(),
		Pair:             o.Symbol,
		Status:           types.PositionOpen,
		LongVenue:        o.LongVenue,
		ShortVenue:       o.ShortVenue,
		LongEntryPrice:   execResult.LongOrder.AveragePrice,
		ShortEntryPrice:  execResult.ShortOrder.AveragePrice,
		SizeUSD:          sizeUSD,
		LongSize:         execResult.LongOrder.FilledSize,
		ShortSize:        execResult.ShortOrder.FilledSize,
		LeverageLong:     longLeverage,
		LeverageShort:    shortLeverage,
		EntryDailySpread: o.DailySpread,
		TotalFees:        totalFees,
		OpenedAt:         time.Now().UTC(),
	}

	err := m.repo.WithTx(ctx, func(tx repository.ArbRepository) error {
		if err := tx.CreatePosition(ctx, position); err != nil {
			return err
		}
		if err := tx.CreateTrade(ctx, tradeFromOrder(position.ID, o.LongVenue, types.SideLong, types.ActionOpen, *execResult.LongOrder)); err != nil {
			return err
		}
		return tx.CreateTrade(ctx, tradeFromOrder(position.ID, o.ShortVenue, types.SideShort, types.ActionOpen, *execResult.ShortOrder))
	})
	if err != nil {
		return nil, err
	}
	return position, nil
}

func tradeFromOrder(positionID, venueName string, side types.Side, action types.OrderAction, order types.OrderResult) *types.Trade {
	return &types.Trade{
		ID:         uuid.NewString(),
		PositionID: positionID,
		Venue:      venueName,
		Pair:       order.Symbol,
		Side:       side,
		Action:     action,
		OrderType:  "market",
		Price:      order.AveragePrice,
		Size:       order.FilledSize,
		Fee:        order.Fee,
		OrderID:    order.OrderID,
		Status:     order.Status,
		ExecutedAt: order.Timestamp,
	}
}

// ClosePosition закрывает позицию по успешному результату выхода и
// считает реализованный P&L: long_pnl + short_pnl + funding_collected - total_fees.
func (m *Manager) ClosePosition(ctx context.Context, positionID string, execResult executor.Result) (*types.Position, error) {
	var updated *types.Position

	err := m.repo.WithTx(ctx, func(tx repository.ArbRepository) error {
		position, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !position.IsOpen() {
			return &InvariantError{Msg: "position already closed: " + positionID}
		}

		closeFees := decimal.Zero
		longPnL := decimal.Zero
		shortPnL := decimal.Zero

		if execResult.LongOrder != nil {
			position.LongClosePrice = execResult.LongOrder.AveragePrice
			closeFees = closeFees.Add(execResult.LongOrder.Fee)
			if err := tx.CreateTrade(ctx, tradeFromOrder(positionID, position.LongVenue, types.SideLong, types.ActionClose, *execResult.LongOrder)); err != nil {
				return err
			}
			longPnL = position.LongClosePrice.Sub(position.LongEntryPrice).Mul(position.LongSize)
		}
		if execResult.ShortOrder != nil {
			position.ShortClosePrice = execResult.ShortOrder.AveragePrice
			closeFees = closeFees.Add(execResult.ShortOrder.Fee)
			if err := tx.CreateTrade(ctx, tradeFromOrder(positionID, position.ShortVenue, types.SideShort, types.ActionClose, *execResult.ShortOrder)); err != nil {
				return err
			}
			shortPnL = position.ShortEntryPrice.Sub(position.ShortClosePrice).Mul(position.ShortSize)
		}

		position.TotalFees = position.TotalFees.Add(closeFees)
		position.RealizedPnL = longPnL.Add(shortPnL).Add(position.FundingCollected).Sub(position.TotalFees)
		position.Status = types.PositionClosed
		position.ClosedAt = time.Now().UTC()

		if err := tx.UpdatePosition(ctx, position); err != nil {
			return err
		}
		updated = position
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkLiquidated помечает позицию как ликвидированную и оценивает P&L по
// уцелевшей ноге, если она была закрыта (surviving может быть nil).
func (m *Manager) MarkLiquidated(ctx context.Context, positionID, liquidatedVenue string, surviving *executor.Result) (*types.Position, error) {
	var updated *types.Position

	err := m.repo.WithTx(ctx, func(tx repository.ArbRepository) error {
		position, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}

		realized := position.FundingCollected.Sub(position.TotalFees)

		if surviving != nil && surviving.Success {
			if surviving.LongOrder != nil && !position.LongEntryPrice.IsZero() {
				realized = realized.Add(surviving.LongOrder.AveragePrice.Sub(position.LongEntryPrice).Mul(surviving.LongOrder.FilledSize))
			}
			if surviving.ShortOrder != nil && !position.ShortEntryPrice.IsZero() {
				realized = realized.Add(position.ShortEntryPrice.Sub(surviving.ShortOrder.AveragePrice).Mul(surviving.ShortOrder.FilledSize))
			}
		}

		position.Status = types.PositionLiquidated
		position.ClosedAt = time.Now().UTC()
		position.RealizedPnL = realized
		position.Notes = "Liquidated on " + liquidatedVenue

		updated = position
		return tx.UpdatePosition(ctx, position)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordFundingPayment записывает начисление фандинга и атомарно
// увеличивает накопленный фандинг позиции.
func (m *Manager) RecordFundingPayment(ctx context.Context, positionID, venueName string, side types.Side, rate, paymentUSD, positionSize decimal.Decimal) (*types.FundingEvent, error) {
	event := &types.FundingEvent{
		ID:           uuid.NewString(),
		PositionID:   positionID,
		Venue:        venueName,
		Side:         side,
		FundingRate:  rate,
		PaymentUSD:   paymentUSD,
		PositionSize: positionSize,
		OccurredAt:   time.Now().UTC(),
	}

	err := m.repo.WithTx(ctx, func(tx repository.ArbRepository) error {
		position, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		event.Pair = position.Pair
		if err := tx.CreateFundingEvent(ctx, event); err != nil {
			return err
		}
		return tx.AddFundingCollected(ctx, positionID, paymentUSD)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// GetOpenPositions возвращает все открытые позиции.
func (m *Manager) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	return m.repo.GetOpenPositions(ctx)
}

// GetPosition возвращает позицию по ID.
func (m *Manager) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	return m.repo.GetPosition(ctx, id)
}

// GetPositionForPair возвращает открытую позицию по торговой паре, если есть.
func (m *Manager) GetPositionForPair(ctx context.Context, pair string) (*types.Position, bool, error) {
	return m.repo.GetOpenPositionForPair(ctx, pair)
}

// ReconcileWithVenues сверяет локальное состояние открытых позиций с
// истиной площадок и возвращает список расхождений (пустой - всё ок).
func (m *Manager) ReconcileWithVenues(ctx context.Context) ([]string, error) {
	positions, err := m.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	var issues []string
	for _, p := range positions {
		if v, ok := m.venues[p.LongVenue]; ok {
			pos, found, err := v.GetPosition(ctx, p.Pair)
			if err != nil {
				issues = append(issues, "position "+p.ID+": error checking long leg - "+err.Error())
			} else if !found || pos.Size.IsZero() {
				issues = append(issues, "position "+p.ID+": long leg missing on "+p.LongVenue)
			}
		}
		if v, ok := m.venues[p.ShortVenue]; ok {
			pos, found, err := v.GetPosition(ctx, p.Pair)
			if err != nil {
				issues = append(issues, "position "+p.ID+": error checking short leg - "+err.Error())
			} else if !found || pos.Size.IsZero() {
				issues = append(issues, "position "+p.ID+": short leg missing on "+p.ShortVenue)
			}
		}
	}
	return issues, nil
}

// ErrNotFound - псевдоним репозиторной ошибки "не найдено" для удобства
// вызывающей стороны без прямого импорта пакета repository.
var ErrNotFound = repository.ErrPositionNotFound
