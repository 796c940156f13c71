package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
)

// ErrPositionNotFound возвращается, если позиция с указанным ID не найдена.
var ErrPositionNotFound = errors.New("position not found")

// ErrPairAlreadyOpen возвращается CreatePosition, если по паре уже есть
// открытая позиция - защита на уровне приложения поверх частичного
// уникального индекса базы данных (status = 'open').
var ErrPairAlreadyOpen = errors.New("pair already has an open position")

// ArbRepository - хранилище состояния движка фандинг-арбитража: позиции,
// сделки, начисления фандинга и произвольный ключ-значение системный
// статус (например, состояние рубильника между перезапусками).
//
// WithTx выполняет fn в транзакции БД; реализация в памяти выполняет fn
// под мьютексом, эмулируя сериализацию без настоящей транзакции.
type ArbRepository interface {
	WithTx(ctx context.Context, fn func(tx ArbRepository) error) error

	CreatePosition(ctx context.Context, p *types.Position) error
	GetPosition(ctx context.Context, id string) (*types.Position, error)
	GetOpenPositionForPair(ctx context.Context, pair string) (*types.Position, bool, error)
	GetOpenPositions(ctx context.Context) ([]*types.Position, error)
	UpdatePosition(ctx context.Context, p *types.Position) error

	CreateTrade(ctx context.Context, t *types.Trade) error
	CreateFundingEvent(ctx context.Context, e *types.FundingEvent) error
	AddFundingCollected(ctx context.Context, positionID string, amountUSD decimal.Decimal) error

	GetSystemState(ctx context.Context, key string) (string, bool, error)
	SetSystemState(ctx context.Context, key, value string) error
}
