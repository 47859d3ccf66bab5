package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ OrdersModel = (*customOrdersModel)(nil)

// Order statuses mirrored from venue terminology.
const (
	OrderStatusNew      = "new"
	OrderStatusFilled   = "filled"
	OrderStatusCanceled = "canceled"
	OrderStatusRejected = "rejected"
	OrderStatusExpired  = "expired"
	OrderStatusFailed   = "failed"
)

// Orders mirrors one gateway order row. The (strategy_id, symbol, signal_id)
// triple is the idempotency key for submissions.
type Orders struct {
	Id           string          `db:"id"`
	StrategyId   string          `db:"strategy_id"`
	Symbol       string          `db:"symbol"`
	SignalId     string          `db:"signal_id"`
	Venue        string          `db:"venue"`
	VenueOrderId sql.NullString  `db:"venue_order_id"`
	Side         string          `db:"side"`
	OrderType    string          `db:"order_type"`
	Quantity     string          `db:"quantity"` // decimal as text
	Price        sql.NullString  `db:"price"`
	Status       string          `db:"status"`
	FilledQty    string          `db:"filled_qty"`
	AvgFillPrice sql.NullFloat64 `db:"avg_fill_price"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

type (
	// OrdersModel is the orders access surface.
	OrdersModel interface {
		Insert(ctx context.Context, data *Orders) error
		FindOne(ctx context.Context, id string) (*Orders, error)
		FindBySignal(ctx context.Context, strategyID, symbol, signalID string) (*Orders, error)
		UpdateFill(ctx context.Context, id, status, filledQty string, avgFillPrice float64, venueOrderID string) error
		ActiveOrders(ctx context.Context) ([]Orders, error)
	}

	customOrdersModel struct {
		conn sqlx.SqlConn
	}
)

// NewOrdersModel returns a model for the orders table.
func NewOrdersModel(conn sqlx.SqlConn) OrdersModel {
	return &customOrdersModel{conn: conn}
}

const ordersColumns = `id, strategy_id, symbol, signal_id, venue, venue_order_id, side, order_type, quantity, price, status, filled_qty, avg_fill_price, created_at, updated_at`

func (m *customOrdersModel) Insert(ctx context.Context, data *Orders) error {
	query := `INSERT INTO orders (` + ordersColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.StrategyId, data.Symbol, data.SignalId, data.Venue,
		data.VenueOrderId, data.Side, data.OrderType, data.Quantity, data.Price, data.Status,
		data.FilledQty, data.AvgFillPrice, data.CreatedAt, data.UpdatedAt)
	if err != nil {
		return fmt.Errorf("orders.Insert: %w", err)
	}
	return nil
}

func (m *customOrdersModel) FindOne(ctx context.Context, id string) (*Orders, error) {
	query := `SELECT ` + ordersColumns + ` FROM orders WHERE id = $1 LIMIT 1`
	var row Orders
	err := m.conn.QueryRowCtx(ctx, &row, query, id)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("orders.FindOne: %w", err)
	}
}

func (m *customOrdersModel) FindBySignal(ctx context.Context, strategyID, symbol, signalID string) (*Orders, error) {
	query := `SELECT ` + ordersColumns + ` FROM orders WHERE strategy_id = $1 AND symbol = $2 AND signal_id = $3 LIMIT 1`
	var row Orders
	err := m.conn.QueryRowCtx(ctx, &row, query, strategyID, symbol, signalID)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("orders.FindBySignal: %w", err)
	}
}

func (m *customOrdersModel) UpdateFill(ctx context.Context, id, status, filledQty string, avgFillPrice float64, venueOrderID string) error {
	query := `UPDATE orders SET status=$2, filled_qty=$3, avg_fill_price=$4, venue_order_id=COALESCE(NULLIF($5,''), venue_order_id), updated_at=$6 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, id, status, filledQty, avgFillPrice, venueOrderID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("orders.UpdateFill: %w", err)
	}
	return nil
}

func (m *customOrdersModel) ActiveOrders(ctx context.Context) ([]Orders, error) {
	query := `SELECT ` + ordersColumns + ` FROM orders WHERE status NOT IN ($1,$2,$3,$4,$5) ORDER BY created_at`
	var rows []Orders
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, OrderStatusFilled, OrderStatusCanceled,
		OrderStatusRejected, OrderStatusExpired, OrderStatusFailed); err != nil {
		return nil, fmt.Errorf("orders.ActiveOrders: %w", err)
	}
	return rows, nil
}
