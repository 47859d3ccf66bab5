package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ IndicatorConfigsModel = (*customIndicatorConfigsModel)(nil)

// IndicatorConfigs mirrors one indicator configuration row. Parameters and
// OutputFields are JSON documents.
type IndicatorConfigs struct {
	Id               string       `db:"id"`
	StrategyId       string       `db:"strategy_id"`
	IndicatorType    string       `db:"indicator_type"`
	Symbol           string       `db:"symbol"`
	Interval         string       `db:"interval"`
	Parameters       []byte       `db:"parameters"`
	PeriodsRequired  int          `db:"periods_required"`
	OutputFields     []byte       `db:"output_fields"`
	Active           bool         `db:"active"`
	Priority         int          `db:"priority"`
	CacheDurationMin int          `db:"cache_duration_min"`
	Continuous       bool         `db:"continuous"`
	Publish          bool         `db:"publish"`
	LastCalculated   sql.NullTime `db:"last_calculated"`
	CalcCount        int64        `db:"calc_count"`
	AvgCalcMs        float64      `db:"avg_calc_ms"`
	ErrorCount       int          `db:"error_count"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

type (
	// IndicatorConfigsModel is the indicator_configs access surface.
	IndicatorConfigsModel interface {
		Upsert(ctx context.Context, data *IndicatorConfigs) error
		FindOne(ctx context.Context, id string) (*IndicatorConfigs, error)
		Delete(ctx context.Context, id, strategyID string) (bool, error)
		AllActive(ctx context.Context) ([]IndicatorConfigs, error)
		DueForCalculation(ctx context.Context, olderThan time.Time) ([]IndicatorConfigs, error)
		RecordCalculation(ctx context.Context, id string, at time.Time, calcMs float64) error
		RecordError(ctx context.Context, id string) error
	}

	customIndicatorConfigsModel struct {
		conn sqlx.SqlConn
	}
)

// NewIndicatorConfigsModel returns a model for the indicator_configs table.
func NewIndicatorConfigsModel(conn sqlx.SqlConn) IndicatorConfigsModel {
	return &customIndicatorConfigsModel{conn: conn}
}

const indicatorConfigsColumns = `id, strategy_id, indicator_type, symbol, interval, parameters, periods_required, output_fields, active, priority, cache_duration_min, continuous, publish, last_calculated, calc_count, avg_calc_ms, error_count, updated_at`

// Upsert keeps updates observable in submission order via the updated_at
// version stamp: a stale write (older updated_at) is a no-op.
func (m *customIndicatorConfigsModel) Upsert(ctx context.Context, data *IndicatorConfigs) error {
	query := `INSERT INTO indicator_configs (` + indicatorConfigsColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
  strategy_id=EXCLUDED.strategy_id, indicator_type=EXCLUDED.indicator_type,
  symbol=EXCLUDED.symbol, interval=EXCLUDED.interval, parameters=EXCLUDED.parameters,
  periods_required=EXCLUDED.periods_required, output_fields=EXCLUDED.output_fields,
  active=EXCLUDED.active, priority=EXCLUDED.priority,
  cache_duration_min=EXCLUDED.cache_duration_min, continuous=EXCLUDED.continuous,
  publish=EXCLUDED.publish, updated_at=EXCLUDED.updated_at
WHERE indicator_configs.updated_at <= EXCLUDED.updated_at`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.StrategyId, data.IndicatorType, data.Symbol,
		data.Interval, data.Parameters, data.PeriodsRequired, data.OutputFields, data.Active,
		data.Priority, data.CacheDurationMin, data.Continuous, data.Publish, data.LastCalculated,
		data.CalcCount, data.AvgCalcMs, data.ErrorCount, data.UpdatedAt)
	if err != nil {
		return fmt.Errorf("indicator_configs.Upsert: %w", err)
	}
	return nil
}

func (m *customIndicatorConfigsModel) FindOne(ctx context.Context, id string) (*IndicatorConfigs, error) {
	query := `SELECT ` + indicatorConfigsColumns + ` FROM indicator_configs WHERE id = $1 LIMIT 1`
	var row IndicatorConfigs
	err := m.conn.QueryRowCtx(ctx, &row, query, id)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("indicator_configs.FindOne: %w", err)
	}
}

// Delete removes the configuration; strategyID guards cross-strategy removal.
// Returns false when no row matched.
func (m *customIndicatorConfigsModel) Delete(ctx context.Context, id, strategyID string) (bool, error) {
	query := `DELETE FROM indicator_configs WHERE id = $1 AND strategy_id = $2`
	res, err := m.conn.ExecCtx(ctx, query, id, strategyID)
	if err != nil {
		return false, fmt.Errorf("indicator_configs.Delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("indicator_configs.Delete rows: %w", err)
	}
	return n > 0, nil
}

func (m *customIndicatorConfigsModel) AllActive(ctx context.Context) ([]IndicatorConfigs, error) {
	query := `SELECT ` + indicatorConfigsColumns + ` FROM indicator_configs WHERE active ORDER BY priority DESC, id`
	var rows []IndicatorConfigs
	if err := m.conn.QueryRowsCtx(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("indicator_configs.AllActive: %w", err)
	}
	return rows, nil
}

func (m *customIndicatorConfigsModel) DueForCalculation(ctx context.Context, olderThan time.Time) ([]IndicatorConfigs, error) {
	query := `SELECT ` + indicatorConfigsColumns + ` FROM indicator_configs
WHERE active AND continuous AND (last_calculated IS NULL OR last_calculated < $1)
ORDER BY priority DESC, last_calculated NULLS FIRST`
	var rows []IndicatorConfigs
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, olderThan); err != nil {
		return nil, fmt.Errorf("indicator_configs.DueForCalculation: %w", err)
	}
	return rows, nil
}

// RecordCalculation folds one successful run into the rolling average and
// clears the consecutive error counter.
func (m *customIndicatorConfigsModel) RecordCalculation(ctx context.Context, id string, at time.Time, calcMs float64) error {
	query := `UPDATE indicator_configs SET
  last_calculated=$2,
  avg_calc_ms=(avg_calc_ms*calc_count + $3)/(calc_count+1),
  calc_count=calc_count+1,
  error_count=0
WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, id, at, calcMs)
	if err != nil {
		return fmt.Errorf("indicator_configs.RecordCalculation: %w", err)
	}
	return nil
}

func (m *customIndicatorConfigsModel) RecordError(ctx context.Context, id string) error {
	query := `UPDATE indicator_configs SET error_count=error_count+1 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, id)
	if err != nil {
		return fmt.Errorf("indicator_configs.RecordError: %w", err)
	}
	return nil
}
