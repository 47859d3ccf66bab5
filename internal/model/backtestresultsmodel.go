package model

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ BacktestResultsModel = (*customBacktestResultsModel)(nil)

// BacktestResults stores one backtest summary. Metrics is the JSON-encoded
// metric bundle (win rate, sharpe, sortino, drawdown, monthly returns, ...).
type BacktestResults struct {
	Id             string    `db:"id"`
	StrategyId     string    `db:"strategy_id"`
	JobId          string    `db:"job_id"`
	Metrics        []byte    `db:"metrics"`
	PassedCriteria bool      `db:"passed_criteria"`
	StartDate      time.Time `db:"start_date"`
	EndDate        time.Time `db:"end_date"`
	CreatedAt      time.Time `db:"created_at"`
}

type (
	// BacktestResultsModel is the backtest_results access surface.
	BacktestResultsModel interface {
		Insert(ctx context.Context, data *BacktestResults) error
		LatestByStrategy(ctx context.Context, strategyID string) (*BacktestResults, error)
		ByJob(ctx context.Context, jobID string) ([]BacktestResults, error)
	}

	customBacktestResultsModel struct {
		conn sqlx.SqlConn
	}
)

// NewBacktestResultsModel returns a model for the backtest_results table.
func NewBacktestResultsModel(conn sqlx.SqlConn) BacktestResultsModel {
	return &customBacktestResultsModel{conn: conn}
}

const backtestResultsColumns = `id, strategy_id, job_id, metrics, passed_criteria, start_date, end_date, created_at`

func (m *customBacktestResultsModel) Insert(ctx context.Context, data *BacktestResults) error {
	query := `INSERT INTO backtest_results (` + backtestResultsColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.StrategyId, data.JobId, data.Metrics,
		data.PassedCriteria, data.StartDate, data.EndDate, data.CreatedAt)
	if err != nil {
		return fmt.Errorf("backtest_results.Insert: %w", err)
	}
	return nil
}

func (m *customBacktestResultsModel) LatestByStrategy(ctx context.Context, strategyID string) (*BacktestResults, error) {
	query := `SELECT ` + backtestResultsColumns + ` FROM backtest_results WHERE strategy_id = $1 ORDER BY created_at DESC LIMIT 1`
	var row BacktestResults
	err := m.conn.QueryRowCtx(ctx, &row, query, strategyID)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("backtest_results.LatestByStrategy: %w", err)
	}
}

func (m *customBacktestResultsModel) ByJob(ctx context.Context, jobID string) ([]BacktestResults, error) {
	query := `SELECT ` + backtestResultsColumns + ` FROM backtest_results WHERE job_id = $1 ORDER BY created_at`
	var rows []BacktestResults
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("backtest_results.ByJob: %w", err)
	}
	return rows, nil
}
