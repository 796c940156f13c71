package repository

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
)

// MemoryArbRepository - хранилище позиций/сделок/начислений в памяти,
// используется тестами и режимом симуляции без настоящей БД. Эмулирует
// частичный уникальный индекс "одна открытая позиция на пару" через
// проверку под мьютексом.
type MemoryArbRepository struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	trades    []*types.Trade
	events    []*types.FundingEvent
	state     map[string]string
}

// NewMemoryArbRepository создаёт пустое хранилище в памяти.
func NewMemoryArbRepository() *MemoryArbRepository {
	return &MemoryArbRepository{
		positions: make(map[string]*types.Position),
		state:     make(map[string]string),
	}
}

// WithTx в реализации в памяти просто сериализует fn под мьютексом -
// настоящего отката нет, но это достаточно для однопроцессных тестов.
func (r *MemoryArbRepository) WithTx(ctx context.Context, fn func(tx ArbRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&txView{r})
}

// txView - обёртка, используемая внутри WithTx, чтобы вложенный вызов
// WithTx не пытался взять мьютекс повторно (это привело бы к deadlock).
type txView struct {
	r *MemoryArbRepository
}

func (t *txView) WithTx(ctx context.Context, fn func(tx ArbRepository) error) error {
	return fn(t)
}
func (t *txView) CreatePosition(ctx context.Context, p *types.Position) error {
	return t.r.createPositionLocked(p)
}
func (t *txView) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	return t.r.getPositionLocked(id)
}
func (t *txView) GetOpenPositionForPair(ctx context.Context, pair string) (*types.Position, bool, error) {
	return t.r.getOpenPositionForPairLocked(pair)
}
func (t *txView) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	return t.r.getOpenPositionsLocked()
}
func (t *txView) UpdatePosition(ctx context.Context, p *types.Position) error {
	return t.r.updatePositionLocked(p)
}
func (t *txView) CreateTrade(ctx context.Context, tr *types.Trade) error {
	t.r.trades = append(t.r.trades, tr)
	return nil
}
func (t *txView) CreateFundingEvent(ctx context.Context, e *types.FundingEvent) error {
	t.r.events = append(t.r.events, e)
	return nil
}
func (t *txView) AddFundingCollected(ctx context.Context, positionID string, amountUSD decimal.Decimal) error {
	pos, err := t.r.getPositionLocked(positionID)
	if err != nil {
		return err
	}
	pos.FundingCollected = pos.FundingCollected.Add(amountUSD)
	return nil
}
func (t *txView) GetSystemState(ctx context.Context, key string) (string, bool, error) {
	v, ok := t.r.state[key]
	return v, ok, nil
}
func (t *txView) SetSystemState(ctx context.Context, key, value string) error {
	t.r.state[key] = value
	return nil
}

func (r *MemoryArbRepository) createPositionLocked(p *types.Position) error {
	if existing, ok, _ := r.getOpenPositionForPairLocked(p.Pair); ok && existing != nil {
		return ErrPairAlreadyOpen
	}
	cp := *p
	r.positions[p.ID] = &cp
	return nil
}

func (r *MemoryArbRepository) getPositionLocked(id string) (*types.Position, error) {
	p, ok := r.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryArbRepository) getOpenPositionForPairLocked(pair string) (*types.Position, bool, error) {
	for _, p := range r.positions {
		if p.Pair == pair && p.IsOpen() {
			cp := *p
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (r *MemoryArbRepository) getOpenPositionsLocked() ([]*types.Position, error) {
	var out []*types.Position
	for _, p := range r.positions {
		if p.IsOpen() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryArbRepository) updatePositionLocked(p *types.Position) error {
	if _, ok := r.positions[p.ID]; !ok {
		return ErrPositionNotFound
	}
	cp := *p
	r.positions[p.ID] = &cp
	return nil
}

// Метод верхнего уровня делегируют защищённым через мьютекс реализациям,
// чтобы вызовы вне WithTx тоже были потокобезопасны (например, чтение
// статуса из HTTP-обработчика).

func (r *MemoryArbRepository) CreatePosition(ctx context.Context, p *types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createPositionLocked(p)
}
func (r *MemoryArbRepository) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getPositionLocked(id)
}
func (r *MemoryArbRepository) GetOpenPositionForPair(ctx context.Context, pair string) (*types.Position, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOpenPositionForPairLocked(pair)
}
func (r *MemoryArbRepository) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOpenPositionsLocked()
}
func (r *MemoryArbRepository) UpdatePosition(ctx context.Context, p *types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatePositionLocked(p)
}
func (r *MemoryArbRepository) CreateTrade(ctx context.Context, t *types.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}
func (r *MemoryArbRepository) CreateFundingEvent(ctx context.Context, e *types.FundingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}
func (r *MemoryArbRepository) AddFundingCollected(ctx context.Context, positionID string, amountUSD decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[positionID]
	if !ok {
		return ErrPositionNotFound
	}
	pos.FundingCollected = pos.FundingCollected.Add(amountUSD)
	return nil
}
func (r *MemoryArbRepository) GetSystemState(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state[key]
	return v, ok, nil
}
func (r *MemoryArbRepository) SetSystemState(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[key] = value
	return nil
}

var _ ArbRepository = (*MemoryArbRepository)(nil)
var _ ArbRepository = (*txView)(nil)
