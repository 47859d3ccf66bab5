package model

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ FlowDataModel = (*customFlowDataModel)(nil)

// Flow types tracked in the flow_data hypertable.
const (
	FlowExchangeIn    = "exchange_in"
	FlowExchangeOut   = "exchange_out"
	FlowWhaleTransfer = "whale_transfer"
	FlowLargeTx       = "large_tx"
	FlowSmartMoney    = "smart_money"
	FlowMinerOut      = "miner_out"
)

// FlowData is one on-chain flow observation. Primary key is
// (time, asset, flow_type, tx_hash).
type FlowData struct {
	Time     time.Time       `db:"time"`
	Asset    string          `db:"asset"`
	FlowType string          `db:"flow_type"`
	Amount   float64         `db:"amount"`
	Source   sql.NullString  `db:"source"`
	TxHash   string          `db:"tx_hash"`
	FromAddr sql.NullString  `db:"from_addr"`
	ToAddr   sql.NullString  `db:"to_addr"`
	UsdValue sql.NullFloat64 `db:"usd_value"`
	Metadata []byte          `db:"metadata"`
}

// FlowBucket is one row of an hourly/daily aggregate.
type FlowBucket struct {
	Bucket        time.Time `db:"bucket"`
	Asset         string    `db:"asset"`
	FlowType      string    `db:"flow_type"`
	TotalAmount   float64   `db:"total_amount"`
	TotalUsdValue float64   `db:"total_usd_value"`
	FlowCount     int64     `db:"flow_count"`
}

type (
	// FlowDataModel is the flow_data time-series access surface.
	FlowDataModel interface {
		// AppendRows inserts with ON CONFLICT DO NOTHING semantics; re-sent
		// rows are silently ignored. Returns rows actually written.
		AppendRows(ctx context.Context, rows []FlowData) (int64, error)
		Hourly(ctx context.Context, asset string, since time.Time) ([]FlowBucket, error)
		Daily(ctx context.Context, asset string, since time.Time) ([]FlowBucket, error)
		NetExchangeFlow(ctx context.Context, asset string, since time.Time) (float64, error)
	}

	customFlowDataModel struct {
		conn sqlx.SqlConn
	}
)

// NewFlowDataModel returns a model for the flow_data hypertable.
func NewFlowDataModel(conn sqlx.SqlConn) FlowDataModel {
	return &customFlowDataModel{conn: conn}
}

func (m *customFlowDataModel) AppendRows(ctx context.Context, rows []FlowData) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO flow_data (time, asset, flow_type, amount, source, tx_hash, from_addr, to_addr, usd_value, metadata) VALUES `)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 10
		sb.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args, r.Time, r.Asset, r.FlowType, r.Amount, r.Source, r.TxHash, r.FromAddr, r.ToAddr, r.UsdValue, r.Metadata)
	}
	sb.WriteString(` ON CONFLICT (time, asset, flow_type, tx_hash) DO NOTHING`)
	res, err := m.conn.ExecCtx(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("flow_data.AppendRows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flow_data.AppendRows rows: %w", err)
	}
	return n, nil
}

func (m *customFlowDataModel) Hourly(ctx context.Context, asset string, since time.Time) ([]FlowBucket, error) {
	return m.buckets(ctx, "flow_hourly", asset, since)
}

func (m *customFlowDataModel) Daily(ctx context.Context, asset string, since time.Time) ([]FlowBucket, error) {
	return m.buckets(ctx, "flow_daily", asset, since)
}

func (m *customFlowDataModel) buckets(ctx context.Context, view, asset string, since time.Time) ([]FlowBucket, error) {
	query := `SELECT bucket, asset, flow_type, total_amount, total_usd_value, flow_count FROM ` + view +
		` WHERE asset = $1 AND bucket >= $2 ORDER BY bucket, flow_type`
	var rows []FlowBucket
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, asset, since); err != nil {
		return nil, fmt.Errorf("flow_data.%s: %w", view, err)
	}
	return rows, nil
}

// NetExchangeFlow reports inflow minus outflow in asset units since the given
// time. Positive values indicate net movement onto exchanges.
func (m *customFlowDataModel) NetExchangeFlow(ctx context.Context, asset string, since time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(CASE flow_type WHEN $2 THEN amount WHEN $3 THEN -amount ELSE 0 END), 0)
FROM flow_data WHERE asset = $1 AND time >= $4`
	var net float64
	if err := m.conn.QueryRowCtx(ctx, &net, query, asset, FlowExchangeIn, FlowExchangeOut, since); err != nil {
		return 0, fmt.Errorf("flow_data.NetExchangeFlow: %w", err)
	}
	return net, nil
}
