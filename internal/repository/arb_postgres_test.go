package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
)

func samplePosition() *types.Position {
	return &types.Position{
		ID:               "pos-1",
		Pair:             "BTCUSDT",
		Status:           types.PositionOpen,
		LongVenue:        "bybit",
		ShortVenue:       "bitget",
		LongEntryPrice:   decimal.RequireFromString("100"),
		ShortEntryPrice:  decimal.RequireFromString("100"),
		SizeUSD:          decimal.RequireFromString("1000"),
		LongSize:         decimal.RequireFromString("1"),
		ShortSize:        decimal.RequireFromString("1"),
		LeverageLong:     5,
		LeverageShort:    5,
		EntryDailySpread: decimal.RequireFromString("0.001"),
		TotalFees:        decimal.RequireFromString("0.08"),
		OpenedAt:         time.Now().UTC(),
	}
}

func positionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "pair", "status", "long_venue", "short_venue",
		"long_entry_price", "short_entry_price", "long_close_price", "short_close_price",
		"size_usd", "long_size", "short_size", "leverage_long", "leverage_short",
		"entry_daily_spread", "total_fees", "funding_collected", "realized_pnl",
		"opened_at", "closed_at", "notes",
	})
}

func TestPostgresArbRepository_CreatePosition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := samplePosition()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO positions`).
		WithArgs(p.ID, p.Pair, p.Status, p.LongVenue, p.ShortVenue,
			"100", "100", "1000", "1", "1",
			5, 5, "0.001", "0.08", "0", p.OpenedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(p.ID))
	mock.ExpectCommit()

	repo := NewPostgresArbRepository(db)
	if err := repo.CreatePosition(context.Background(), p); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_CreatePosition_PairAlreadyOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := samplePosition()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO positions`).
		WillReturnError(errors.New("duplicate key value violates unique constraint \"positions_open_pair_idx\""))
	mock.ExpectRollback()

	repo := NewPostgresArbRepository(db)
	err = repo.CreatePosition(context.Background(), p)
	if !errors.Is(err, ErrPairAlreadyOpen) {
		t.Fatalf("expected ErrPairAlreadyOpen, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_GetPosition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := positionRows().AddRow(
		"pos-1", "BTCUSDT", "open", "bybit", "bitget",
		"100", "100", "", "",
		"1000", "1", "1", 5, 5,
		"0.001", "0.08", "0", "0",
		now, nil, "",
	)
	mock.ExpectQuery(`SELECT id, pair, status.+FROM positions WHERE id = \$1`).
		WithArgs("pos-1").
		WillReturnRows(rows)

	repo := NewPostgresArbRepository(db)
	pos, err := repo.GetPosition(context.Background(), "pos-1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Pair != "BTCUSDT" || pos.Status != types.PositionOpen {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if !pos.LongEntryPrice.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected long entry price 100, got %s", pos.LongEntryPrice)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_GetPosition_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, pair, status.+FROM positions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	repo := NewPostgresArbRepository(db)
	_, err = repo.GetPosition(context.Background(), "missing")
	if !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_GetOpenPositionForPair_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, pair, status.+FROM positions WHERE pair = \$1 AND status = 'open'`).
		WithArgs("ETHUSDT").
		WillReturnError(sql.ErrNoRows)

	repo := NewPostgresArbRepository(db)
	_, found, err := repo.GetOpenPositionForPair(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected found=false when no open position exists for the pair")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_GetOpenPositions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := positionRows().
		AddRow("pos-1", "BTCUSDT", "open", "bybit", "bitget", "100", "100", "", "", "1000", "1", "1", 5, 5, "0.001", "0.08", "0", "0", now, nil, "").
		AddRow("pos-2", "ETHUSDT", "open", "okx", "gate", "50", "50", "", "", "500", "2", "2", 3, 3, "0.0008", "0.04", "0", "0", now, nil, "")
	mock.ExpectQuery(`SELECT id, pair, status.+FROM positions WHERE status = 'open'`).
		WillReturnRows(rows)

	repo := NewPostgresArbRepository(db)
	positions, err := repo.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(positions))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_UpdatePosition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := samplePosition()
	p.Status = types.PositionClosed
	p.LongClosePrice = decimal.RequireFromString("110")
	p.ShortClosePrice = decimal.RequireFromString("110")
	p.RealizedPnL = decimal.RequireFromString("-0.168")
	p.ClosedAt = time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE positions SET`).
		WithArgs(p.ID, p.Status, "110", "110", "0.08", "0", "-0.168", p.ClosedAt, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewPostgresArbRepository(db)
	if err := repo.UpdatePosition(context.Background(), p); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_CreateTrade(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	tr := &types.Trade{
		ID: "trade-1", PositionID: "pos-1", Venue: "bybit", Pair: "BTCUSDT",
		Side: types.SideLong, Action: types.ActionOpen, OrderType: "market",
		Price: decimal.RequireFromString("100"), Size: decimal.RequireFromString("1"),
		Fee: decimal.RequireFromString("0.04"), OrderID: "order-1", Status: types.OrderStatusFilled,
		ExecutedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO trades`).
		WithArgs(tr.ID, tr.PositionID, tr.Venue, tr.Pair, tr.Side, tr.Action, tr.OrderType,
			"100", "1", "0.04", tr.OrderID, tr.Status, tr.ExecutedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewPostgresArbRepository(db)
	if err := repo.CreateTrade(context.Background(), tr); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_AddFundingCollected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE positions SET funding_collected = funding_collected \+ \$2 WHERE id = \$1`).
		WithArgs("pos-1", "5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewPostgresArbRepository(db)
	if err := repo.AddFundingCollected(context.Background(), "pos-1", decimal.RequireFromString("5")); err != nil {
		t.Fatalf("AddFundingCollected: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_SystemState(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO system_state`).
		WithArgs("kill_switch", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT value FROM system_state WHERE key = \$1`).
		WithArgs("kill_switch").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("active"))

	repo := NewPostgresArbRepository(db)
	if err := repo.SetSystemState(context.Background(), "kill_switch", "active"); err != nil {
		t.Fatalf("SetSystemState: %v", err)
	}
	value, found, err := repo.GetSystemState(context.Background(), "kill_switch")
	if err != nil {
		t.Fatalf("GetSystemState: %v", err)
	}
	if !found || value != "active" {
		t.Fatalf("expected found=true value=active, got found=%v value=%s", found, value)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresArbRepository_GetSystemState_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM system_state WHERE key = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	repo := NewPostgresArbRepository(db)
	_, found, err := repo.GetSystemState(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected found=false for missing key")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"duplicate key error", errors.New("duplicate key value violates unique constraint"), true},
		{"other error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}
