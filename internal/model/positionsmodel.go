package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ PositionsModel = (*customPositionsModel)(nil)

// Positions mirrors one open or closed position row.
type Positions struct {
	Id            string          `db:"id"`
	StrategyId    string          `db:"strategy_id"`
	Symbol        string          `db:"symbol"`
	Side          string          `db:"side"`
	Status        string          `db:"status"`
	Quantity      float64         `db:"quantity"`
	EntryPrice    float64         `db:"entry_price"`
	CurrentPrice  sql.NullFloat64 `db:"current_price"`
	UnrealizedPnl sql.NullFloat64 `db:"unrealized_pnl"`
	AssetClass    string          `db:"asset_class"`
	OpenedAt      time.Time       `db:"opened_at"`
	ClosedAt      sql.NullTime    `db:"closed_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

type (
	// PositionsModel is the positions access surface.
	PositionsModel interface {
		Insert(ctx context.Context, data *Positions) error
		FindOne(ctx context.Context, id string) (*Positions, error)
		Open(ctx context.Context) ([]Positions, error)
		OpenBySymbol(ctx context.Context, symbol string) ([]Positions, error)
		UpdateQuantity(ctx context.Context, id string, quantity float64) error
		MarkPrice(ctx context.Context, id string, price, unrealized float64) error
		Close(ctx context.Context, id string, at time.Time) (bool, error)
	}

	customPositionsModel struct {
		conn sqlx.SqlConn
	}
)

// NewPositionsModel returns a model for the positions table.
func NewPositionsModel(conn sqlx.SqlConn) PositionsModel {
	return &customPositionsModel{conn: conn}
}

const positionsColumns = `id, strategy_id, symbol, side, status, quantity, entry_price, current_price, unrealized_pnl, asset_class, opened_at, closed_at, updated_at`

func (m *customPositionsModel) Insert(ctx context.Context, data *Positions) error {
	query := `INSERT INTO positions (` + positionsColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.StrategyId, data.Symbol, data.Side, data.Status,
		data.Quantity, data.EntryPrice, data.CurrentPrice, data.UnrealizedPnl, data.AssetClass,
		data.OpenedAt, data.ClosedAt, data.UpdatedAt)
	if err != nil {
		return fmt.Errorf("positions.Insert: %w", err)
	}
	return nil
}

func (m *customPositionsModel) FindOne(ctx context.Context, id string) (*Positions, error) {
	query := `SELECT ` + positionsColumns + ` FROM positions WHERE id = $1 LIMIT 1`
	var row Positions
	err := m.conn.QueryRowCtx(ctx, &row, query, id)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("positions.FindOne: %w", err)
	}
}

func (m *customPositionsModel) Open(ctx context.Context) ([]Positions, error) {
	query := `SELECT ` + positionsColumns + ` FROM positions WHERE status = 'open' ORDER BY symbol, id`
	var rows []Positions
	if err := m.conn.QueryRowsCtx(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("positions.Open: %w", err)
	}
	return rows, nil
}

func (m *customPositionsModel) OpenBySymbol(ctx context.Context, symbol string) ([]Positions, error) {
	query := `SELECT ` + positionsColumns + ` FROM positions WHERE status = 'open' AND symbol = $1 ORDER BY id`
	var rows []Positions
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, symbol); err != nil {
		return nil, fmt.Errorf("positions.OpenBySymbol: %w", err)
	}
	return rows, nil
}

func (m *customPositionsModel) UpdateQuantity(ctx context.Context, id string, quantity float64) error {
	query := `UPDATE positions SET quantity=$2, updated_at=$3 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, id, quantity, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("positions.UpdateQuantity: %w", err)
	}
	return nil
}

func (m *customPositionsModel) MarkPrice(ctx context.Context, id string, price, unrealized float64) error {
	query := `UPDATE positions SET current_price=$2, unrealized_pnl=$3, updated_at=$4 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, id, price, unrealized, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("positions.MarkPrice: %w", err)
	}
	return nil
}

func (m *customPositionsModel) Close(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE positions SET status='closed', closed_at=$2, updated_at=$2 WHERE id=$1 AND status='open'`
	res, err := m.conn.ExecCtx(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("positions.Close: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("positions.Close rows: %w", err)
	}
	return n > 0, nil
}
