package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ TradesModel = (*customTradesModel)(nil)

// Trades mirrors one completed trade row used by the daily reviewer.
type Trades struct {
	Id          string          `db:"id"`
	StrategyId  string          `db:"strategy_id"`
	Symbol      string          `db:"symbol"`
	Side        string          `db:"side"`
	Quantity    float64         `db:"quantity"`
	EntryPrice  float64         `db:"entry_price"`
	ExitPrice   sql.NullFloat64 `db:"exit_price"`
	Pnl         sql.NullFloat64 `db:"pnl"`
	PnlPct      sql.NullFloat64 `db:"pnl_pct"`
	Slippage    sql.NullFloat64 `db:"slippage"`
	EntryTime   time.Time       `db:"entry_time"`
	ExitTime    sql.NullTime    `db:"exit_time"`
	MarketState sql.NullString  `db:"market_state"`
}

type (
	// TradesModel is the trades access surface.
	TradesModel interface {
		Insert(ctx context.Context, data *Trades) error
		ByStrategySince(ctx context.Context, strategyID string, since time.Time) ([]Trades, error)
		RecentCount(ctx context.Context, strategyID string, since time.Time) (int, error)
	}

	customTradesModel struct {
		conn sqlx.SqlConn
	}
)

// NewTradesModel returns a model for the trades table.
func NewTradesModel(conn sqlx.SqlConn) TradesModel {
	return &customTradesModel{conn: conn}
}

const tradesColumns = `id, strategy_id, symbol, side, quantity, entry_price, exit_price, pnl, pnl_pct, slippage, entry_time, exit_time, market_state`

func (m *customTradesModel) Insert(ctx context.Context, data *Trades) error {
	query := `INSERT INTO trades (` + tradesColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.StrategyId, data.Symbol, data.Side, data.Quantity,
		data.EntryPrice, data.ExitPrice, data.Pnl, data.PnlPct, data.Slippage, data.EntryTime,
		data.ExitTime, data.MarketState)
	if err != nil {
		return fmt.Errorf("trades.Insert: %w", err)
	}
	return nil
}

func (m *customTradesModel) ByStrategySince(ctx context.Context, strategyID string, since time.Time) ([]Trades, error) {
	query := `SELECT ` + tradesColumns + ` FROM trades WHERE strategy_id = $1 AND entry_time >= $2 ORDER BY entry_time`
	var rows []Trades
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, strategyID, since); err != nil {
		return nil, fmt.Errorf("trades.ByStrategySince: %w", err)
	}
	return rows, nil
}

func (m *customTradesModel) RecentCount(ctx context.Context, strategyID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM trades WHERE strategy_id = $1 AND entry_time >= $2`
	var n int
	if err := m.conn.QueryRowCtx(ctx, &n, query, strategyID, since); err != nil {
		return 0, fmt.Errorf("trades.RecentCount: %w", err)
	}
	return n, nil
}
