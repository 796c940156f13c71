package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	_ "github.com/lib/pq"

	"arbitrage/internal/types"
)

// PostgresArbRepository - хранилище позиций/сделок/начислений фандинга
// поверх database/sql + lib/pq, без ORM: параметризованные запросы,
// RETURNING id, явные sentinel-ошибки.
//
// Уникальность "одна открытая позиция на пару" обеспечивается частичным
// уникальным индексом на стороне БД:
//
//	CREATE UNIQUE INDEX positions_open_pair_idx ON positions (pair) WHERE status = 'open';
type PostgresArbRepository struct {
	db *sql.DB
}

// NewPostgresArbRepository оборачивает уже открытое соединение с БД.
func NewPostgresArbRepository(db *sql.DB) *PostgresArbRepository {
	return &PostgresArbRepository{db: db}
}

// execer - минимальный общий интерфейс *sql.DB и *sql.Tx, позволяющий
// методам работать как вне, так и внутри транзакции.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (r *PostgresArbRepository) WithTx(ctx context.Context, fn func(tx ArbRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	pgTx := &pgTxView{db: tx}
	if err := fn(pgTx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// pgTxView выполняет запросы через *sql.Tx; вложенный WithTx просто
// переиспользует ту же транзакцию (Postgres не умеет вложенные
// транзакции без savepoint, которые здесь не нужны).
type pgTxView struct {
	db execer
}

func (t *pgTxView) WithTx(ctx context.Context, fn func(tx ArbRepository) error) error {
	return fn(t)
}

func (t *pgTxView) CreatePosition(ctx context.Context, p *types.Position) error {
	row := t.db.QueryRowContext(ctx, `
		INSERT INTO positions (
			id, pair, status, long_venue, short_venue,
			long_entry_price, short_entry_price, size_usd, long_size, short_size,
			leverage_long, leverage_short, entry_daily_spread, total_fees,
			funding_collected, opened_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		p.ID, p.Pair, p.Status, p.LongVenue, p.ShortVenue,
		p.LongEntryPrice.String(), p.ShortEntryPrice.String(), p.SizeUSD.String(), p.LongSize.String(), p.ShortSize.String(),
		p.LeverageLong, p.LeverageShort, p.EntryDailySpread.String(), p.TotalFees.String(),
		p.FundingCollected.String(), p.OpenedAt,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return ErrPairAlreadyOpen
		}
		return err
	}
	return nil
}

func (t *pgTxView) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, pair, status, long_venue, short_venue,
			long_entry_price, short_entry_price, long_close_price, short_close_price,
			size_usd, long_size, short_size, leverage_long, leverage_short,
			entry_daily_spread, total_fees, funding_collected, realized_pnl,
			opened_at, closed_at, notes
		FROM positions WHERE id = $1 FOR UPDATE`, id)
	return scanPosition(row)
}

func (t *pgTxView) GetOpenPositionForPair(ctx context.Context, pair string) (*types.Position, bool, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, pair, status, long_venue, short_venue,
			long_entry_price, short_entry_price, long_close_price, short_close_price,
			size_usd, long_size, short_size, leverage_long, leverage_short,
			entry_daily_spread, total_fees, funding_collected, realized_pnl,
			opened_at, closed_at, notes
		FROM positions WHERE pair = $1 AND status = 'open'`, pair)
	p, err := scanPosition(row)
	if errors.Is(err, ErrPositionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t *pgTxView) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, pair, status, long_venue, short_venue,
			long_entry_price, short_entry_price, long_close_price, short_close_price,
			size_usd, long_size, short_size, leverage_long, leverage_short,
			entry_daily_spread, total_fees, funding_collected, realized_pnl,
			opened_at, closed_at, notes
		FROM positions WHERE status = 'open'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTxView) UpdatePosition(ctx context.Context, p *types.Position) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE positions SET
			status = $2, long_close_price = $3, short_close_price = $4,
			total_fees = $5, funding_collected = $6, realized_pnl = $7,
			closed_at = $8, notes = $9
		WHERE id = $1`,
		p.ID, p.Status, p.LongClosePrice.String(), p.ShortClosePrice.String(),
		p.TotalFees.String(), p.FundingCollected.String(), p.RealizedPnL.String(),
		nullableTime(p.ClosedAt), p.Notes,
	)
	return err
}

func (t *pgTxView) CreateTrade(ctx context.Context, tr *types.Trade) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO trades (id, position_id, venue, pair, side, action, order_type, price, size, fee, order_id, status, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		tr.ID, tr.PositionID, tr.Venue, tr.Pair, tr.Side, tr.Action, tr.OrderType,
		tr.Price.String(), tr.Size.String(), tr.Fee.String(), tr.OrderID, tr.Status, tr.ExecutedAt,
	)
	return err
}

func (t *pgTxView) CreateFundingEvent(ctx context.Context, e *types.FundingEvent) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO funding_events (id, position_id, venue, pair, side, funding_rate, payment_usd, position_size, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.PositionID, e.Venue, e.Pair, e.Side, e.FundingRate.String(), e.PaymentUSD.String(), e.PositionSize.String(), e.OccurredAt,
	)
	return err
}

func (t *pgTxView) AddFundingCollected(ctx context.Context, positionID string, amountUSD decimal.Decimal) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE positions SET funding_collected = funding_collected + $2 WHERE id = $1`,
		positionID, amountUSD.String(),
	)
	return err
}

func (t *pgTxView) GetSystemState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (t *pgTxView) SetSystemState(ctx context.Context, key, value string) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// Методы верхнего уровня позволяют вызывать репозиторий вне WithTx,
// каждый в своей неявной однооператорной транзакции Postgres.

func (r *PostgresArbRepository) CreatePosition(ctx context.Context, p *types.Position) error {
	return r.WithTx(ctx, func(tx ArbRepository) error { return tx.CreatePosition(ctx, p) })
}
func (r *PostgresArbRepository) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	return (&pgTxView{db: r.db}).GetPosition(ctx, id)
}
func (r *PostgresArbRepository) GetOpenPositionForPair(ctx context.Context, pair string) (*types.Position, bool, error) {
	return (&pgTxView{db: r.db}).GetOpenPositionForPair(ctx, pair)
}
func (r *PostgresArbRepository) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	return (&pgTxView{db: r.db}).GetOpenPositions(ctx)
}
func (r *PostgresArbRepository) UpdatePosition(ctx context.Context, p *types.Position) error {
	return r.WithTx(ctx, func(tx ArbRepository) error { return tx.UpdatePosition(ctx, p) })
}
func (r *PostgresArbRepository) CreateTrade(ctx context.Context, t *types.Trade) error {
	return r.WithTx(ctx, func(tx ArbRepository) error { return tx.CreateTrade(ctx, t) })
}
func (r *PostgresArbRepository) CreateFundingEvent(ctx context.Context, e *types.FundingEvent) error {
	return r.WithTx(ctx, func(tx ArbRepository) error { return tx.CreateFundingEvent(ctx, e) })
}
func (r *PostgresArbRepository) AddFundingCollected(ctx context.Context, positionID string, amountUSD decimal.Decimal) error {
	return r.WithTx(ctx, func(tx ArbRepository) error { return tx.AddFundingCollected(ctx, positionID, amountUSD) })
}
func (r *PostgresArbRepository) GetSystemState(ctx context.Context, key string) (string, bool, error) {
	return (&pgTxView{db: r.db}).GetSystemState(ctx, key)
}
func (r *PostgresArbRepository) SetSystemState(ctx context.Context, key, value string) error {
	return r.WithTx(ctx, func(tx ArbRepository) error { return tx.SetSystemState(ctx, key, value) })
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row *sql.Row) (*types.Position, error) {
	return scanPositionGeneric(row)
}

func scanPositionRow(rows *sql.Rows) (*types.Position, error) {
	return scanPositionGeneric(rows)
}

func scanPositionGeneric(row rowScanner) (*types.Position, error) {
	var (
		p                                                                    types.Position
		longEntry, shortEntry, longClose, shortClose                         string
		sizeUSD, longSize, shortSize, entrySpread, totalFees, fundingCollected string
		realizedPnL                                                          string
		closedAt                                                             sql.NullTime
	)

	err := row.Scan(
		&p.ID, &p.Pair, &p.Status, &p.LongVenue, &p.ShortVenue,
		&longEntry, &shortEntry, &longClose, &shortClose,
		&sizeUSD, &longSize, &shortSize, &p.LeverageLong, &p.LeverageShort,
		&entrySpread, &totalFees, &fundingCollected, &realizedPnL,
		&p.OpenedAt, &closedAt, &p.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}

	p.LongEntryPrice = mustDecimal(longEntry)
	p.ShortEntryPrice = mustDecimal(shortEntry)
	p.LongClosePrice = mustDecimal(longClose)
	p.ShortClosePrice = mustDecimal(shortClose)
	p.SizeUSD = mustDecimal(sizeUSD)
	p.LongSize = mustDecimal(longSize)
	p.ShortSize = mustDecimal(shortSize)
	p.EntryDailySpread = mustDecimal(entrySpread)
	p.TotalFees = mustDecimal(totalFees)
	p.FundingCollected = mustDecimal(fundingCollected)
	p.RealizedPnL = mustDecimal(realizedPnL)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}

	return &p, nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullableTime(t interface{ IsZero() bool }) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

var _ ArbRepository = (*PostgresArbRepository)(nil)
var _ ArbRepository = (*pgTxView)(nil)
