package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var (
	_ RiskMetricsModel = (*customRiskMetricsModel)(nil)
	_ RiskAlertsModel  = (*customRiskAlertsModel)(nil)
)

// RiskMetrics is one append-only portfolio risk snapshot. Sector is a JSON
// map of sector -> weight.
type RiskMetrics struct {
	Id             int64     `db:"id"`
	Ts             time.Time `db:"ts"`
	PortfolioValue float64   `db:"portfolio_value"`
	Exposure       float64   `db:"exposure"`
	Cash           float64   `db:"cash"`
	Leverage       float64   `db:"leverage"`
	Var1d          float64   `db:"var_1d"`
	Var5d          float64   `db:"var_5d"`
	Es             float64   `db:"es"`
	MaxDrawdown    float64   `db:"max_drawdown"`
	CurDrawdown    float64   `db:"cur_drawdown"`
	Hhi            float64   `db:"hhi"`
	CorrRisk       float64   `db:"corr_risk"`
	Sector         []byte    `db:"sector"`
	LargestPct     float64   `db:"largest_pct"`
	NOver5Pct      int       `db:"n_over_5pct"`
	NOver10Pct     int       `db:"n_over_10pct"`
	AvgLiquidity   float64   `db:"avg_liquidity"`
	IlliquidPct    float64   `db:"illiquid_pct"`
	Level          string    `db:"level"`
	Score          float64   `db:"score"`
}

type (
	// RiskMetricsModel is the risk_metrics access surface. Append-only.
	RiskMetricsModel interface {
		Insert(ctx context.Context, data *RiskMetrics) error
		Latest(ctx context.Context) (*RiskMetrics, error)
	}

	customRiskMetricsModel struct {
		conn sqlx.SqlConn
	}
)

// NewRiskMetricsModel returns a model for the risk_metrics table.
func NewRiskMetricsModel(conn sqlx.SqlConn) RiskMetricsModel {
	return &customRiskMetricsModel{conn: conn}
}

const riskMetricsColumns = `ts, portfolio_value, exposure, cash, leverage, var_1d, var_5d, es, max_drawdown, cur_drawdown, hhi, corr_risk, sector, largest_pct, n_over_5pct, n_over_10pct, avg_liquidity, illiquid_pct, level, score`

func (m *customRiskMetricsModel) Insert(ctx context.Context, data *RiskMetrics) error {
	query := `INSERT INTO risk_metrics (` + riskMetricsColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err := m.conn.ExecCtx(ctx, query, data.Ts, data.PortfolioValue, data.Exposure, data.Cash,
		data.Leverage, data.Var1d, data.Var5d, data.Es, data.MaxDrawdown, data.CurDrawdown,
		data.Hhi, data.CorrRisk, data.Sector, data.LargestPct, data.NOver5Pct, data.NOver10Pct,
		data.AvgLiquidity, data.IlliquidPct, data.Level, data.Score)
	if err != nil {
		return fmt.Errorf("risk_metrics.Insert: %w", err)
	}
	return nil
}

func (m *customRiskMetricsModel) Latest(ctx context.Context) (*RiskMetrics, error) {
	query := `SELECT id, ` + riskMetricsColumns + ` FROM risk_metrics ORDER BY ts DESC LIMIT 1`
	var row RiskMetrics
	err := m.conn.QueryRowCtx(ctx, &row, query)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("risk_metrics.Latest: %w", err)
	}
}

// RiskAlerts mirrors one alert row.
type RiskAlerts struct {
	Id             string         `db:"id"`
	AlertType      string         `db:"alert_type"`
	Severity       string         `db:"severity"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Symbol         sql.NullString `db:"symbol"`
	CurrentValue   float64        `db:"current_value"`
	ThresholdValue float64        `db:"threshold_value"`
	Recommendation string         `db:"recommendation"`
	CreatedAt      time.Time      `db:"created_at"`
	ResolvedAt     sql.NullTime   `db:"resolved_at"`
}

type (
	// RiskAlertsModel is the risk_alerts access surface.
	RiskAlertsModel interface {
		Insert(ctx context.Context, data *RiskAlerts) error
		Resolve(ctx context.Context, id string, at time.Time) (bool, error)
		Unresolved(ctx context.Context) ([]RiskAlerts, error)
	}

	customRiskAlertsModel struct {
		conn sqlx.SqlConn
	}
)

// NewRiskAlertsModel returns a model for the risk_alerts table.
func NewRiskAlertsModel(conn sqlx.SqlConn) RiskAlertsModel {
	return &customRiskAlertsModel{conn: conn}
}

const riskAlertsColumns = `id, alert_type, severity, title, message, symbol, current_value, threshold_value, recommendation, created_at, resolved_at`

func (m *customRiskAlertsModel) Insert(ctx context.Context, data *RiskAlerts) error {
	query := `INSERT INTO risk_alerts (` + riskAlertsColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.AlertType, data.Severity, data.Title, data.Message,
		data.Symbol, data.CurrentValue, data.ThresholdValue, data.Recommendation, data.CreatedAt, data.ResolvedAt)
	if err != nil {
		return fmt.Errorf("risk_alerts.Insert: %w", err)
	}
	return nil
}

func (m *customRiskAlertsModel) Resolve(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE risk_alerts SET resolved_at=$2 WHERE id=$1 AND resolved_at IS NULL`
	res, err := m.conn.ExecCtx(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("risk_alerts.Resolve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("risk_alerts.Resolve rows: %w", err)
	}
	return n > 0, nil
}

func (m *customRiskAlertsModel) Unresolved(ctx context.Context) ([]RiskAlerts, error) {
	query := `SELECT ` + riskAlertsColumns + ` FROM risk_alerts WHERE resolved_at IS NULL ORDER BY created_at DESC`
	var rows []RiskAlerts
	if err := m.conn.QueryRowsCtx(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("risk_alerts.Unresolved: %w", err)
	}
	return rows, nil
}
