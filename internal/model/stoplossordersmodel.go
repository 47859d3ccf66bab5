package model

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ StopLossOrdersModel = (*customStopLossOrdersModel)(nil)

// Stop-loss order statuses.
const (
	StopStatusActive    = "active"
	StopStatusTriggered = "triggered"
	StopStatusCancelled = "cancelled"
	StopStatusModified  = "modified"
	StopStatusExpired   = "expired"
)

// StopLossOrders mirrors one stop-loss order row. Config is the JSON-encoded
// stop configuration.
type StopLossOrders struct {
	Id               string    `db:"id"`
	PositionId       string    `db:"position_id"`
	Symbol           string    `db:"symbol"`
	Side             string    `db:"side"`
	StopType         string    `db:"stop_type"`
	Status           string    `db:"status"`
	EntryPrice       float64   `db:"entry_price"`
	CurrentPrice     float64   `db:"current_price"`
	StopPrice        float64   `db:"stop_price"`
	InitialStopPrice float64   `db:"initial_stop_price"`
	HighestPrice     float64   `db:"highest_price"`
	LowestPrice      float64   `db:"lowest_price"`
	Quantity         float64   `db:"quantity"`
	Config           []byte    `db:"config"`
	CreatedAt        time.Time `db:"created_at"`
	LastUpdated      time.Time `db:"last_updated"`
}

type (
	// StopLossOrdersModel is the stop_loss_orders access surface.
	StopLossOrdersModel interface {
		Insert(ctx context.Context, data *StopLossOrders) error
		Update(ctx context.Context, data *StopLossOrders) error
		FindOne(ctx context.Context, id string) (*StopLossOrders, error)
		ActiveOrders(ctx context.Context) ([]StopLossOrders, error)
		UpdateStatus(ctx context.Context, id, status string) (bool, error)
	}

	customStopLossOrdersModel struct {
		conn sqlx.SqlConn
	}
)

// NewStopLossOrdersModel returns a model for the stop_loss_orders table.
func NewStopLossOrdersModel(conn sqlx.SqlConn) StopLossOrdersModel {
	return &customStopLossOrdersModel{conn: conn}
}

const stopLossOrdersColumns = `id, position_id, symbol, side, stop_type, status, entry_price, current_price, stop_price, initial_stop_price, highest_price, lowest_price, quantity, config, created_at, last_updated`

func (m *customStopLossOrdersModel) Insert(ctx context.Context, data *StopLossOrders) error {
	query := `INSERT INTO stop_loss_orders (` + stopLossOrdersColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.PositionId, data.Symbol, data.Side, data.StopType,
		data.Status, data.EntryPrice, data.CurrentPrice, data.StopPrice, data.InitialStopPrice,
		data.HighestPrice, data.LowestPrice, data.Quantity, data.Config, data.CreatedAt, data.LastUpdated)
	if err != nil {
		return fmt.Errorf("stop_loss_orders.Insert: %w", err)
	}
	return nil
}

func (m *customStopLossOrdersModel) Update(ctx context.Context, data *StopLossOrders) error {
	query := `UPDATE stop_loss_orders SET status=$2, current_price=$3, stop_price=$4, highest_price=$5,
lowest_price=$6, quantity=$7, config=$8, last_updated=$9 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.Status, data.CurrentPrice, data.StopPrice,
		data.HighestPrice, data.LowestPrice, data.Quantity, data.Config, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("stop_loss_orders.Update: %w", err)
	}
	return nil
}

func (m *customStopLossOrdersModel) FindOne(ctx context.Context, id string) (*StopLossOrders, error) {
	query := `SELECT ` + stopLossOrdersColumns + ` FROM stop_loss_orders WHERE id = $1 LIMIT 1`
	var row StopLossOrders
	err := m.conn.QueryRowCtx(ctx, &row, query, id)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("stop_loss_orders.FindOne: %w", err)
	}
}

func (m *customStopLossOrdersModel) ActiveOrders(ctx context.Context) ([]StopLossOrders, error) {
	query := `SELECT ` + stopLossOrdersColumns + ` FROM stop_loss_orders WHERE status = $1 ORDER BY created_at`
	var rows []StopLossOrders
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, StopStatusActive); err != nil {
		return nil, fmt.Errorf("stop_loss_orders.ActiveOrders: %w", err)
	}
	return rows, nil
}

// UpdateStatus transitions an order; returns false when the id is unknown.
func (m *customStopLossOrdersModel) UpdateStatus(ctx context.Context, id, status string) (bool, error) {
	query := `UPDATE stop_loss_orders SET status=$2, last_updated=$3 WHERE id=$1`
	res, err := m.conn.ExecCtx(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("stop_loss_orders.UpdateStatus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stop_loss_orders.UpdateStatus rows: %w", err)
	}
	return n > 0, nil
}
