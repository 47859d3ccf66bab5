package model

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ StrategyReviewsModel = (*customStrategyReviewsModel)(nil)

// StrategyReviews is one append-only daily review row. Strengths, Weaknesses,
// ParamAdjustments and ReplacementCandidates are JSON documents.
type StrategyReviews struct {
	Id                    int64     `db:"id"`
	StrategyId            string    `db:"strategy_id"`
	Ts                    time.Time `db:"ts"`
	Grade                 string    `db:"grade"`
	Decision              string    `db:"decision"`
	Confidence            float64   `db:"confidence"`
	Strengths             []byte    `db:"strengths"`
	Weaknesses            []byte    `db:"weaknesses"`
	ParamAdjustments      []byte    `db:"param_adjustments"`
	AllocationChange      float64   `db:"allocation_change"`
	ReplacementCandidates []byte    `db:"replacement_candidates"`
}

type (
	// StrategyReviewsModel is the review history access surface. Append-only.
	StrategyReviewsModel interface {
		Insert(ctx context.Context, data *StrategyReviews) error
		LatestByStrategy(ctx context.Context, strategyID string) (*StrategyReviews, error)
		ByStrategySince(ctx context.Context, strategyID string, since time.Time) ([]StrategyReviews, error)
	}

	customStrategyReviewsModel struct {
		conn sqlx.SqlConn
	}
)

// NewStrategyReviewsModel returns a model for the strategy_reviews table.
func NewStrategyReviewsModel(conn sqlx.SqlConn) StrategyReviewsModel {
	return &customStrategyReviewsModel{conn: conn}
}

const strategyReviewsColumns = `strategy_id, ts, grade, decision, confidence, strengths, weaknesses, param_adjustments, allocation_change, replacement_candidates`

func (m *customStrategyReviewsModel) Insert(ctx context.Context, data *StrategyReviews) error {
	query := `INSERT INTO strategy_reviews (` + strategyReviewsColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := m.conn.ExecCtx(ctx, query, data.StrategyId, data.Ts, data.Grade, data.Decision, data.Confidence,
		data.Strengths, data.Weaknesses, data.ParamAdjustments, data.AllocationChange, data.ReplacementCandidates)
	if err != nil {
		return fmt.Errorf("strategy_reviews.Insert: %w", err)
	}
	return nil
}

func (m *customStrategyReviewsModel) LatestByStrategy(ctx context.Context, strategyID string) (*StrategyReviews, error) {
	query := `SELECT id, ` + strategyReviewsColumns + ` FROM strategy_reviews WHERE strategy_id = $1 ORDER BY ts DESC LIMIT 1`
	var row StrategyReviews
	err := m.conn.QueryRowCtx(ctx, &row, query, strategyID)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("strategy_reviews.LatestByStrategy: %w", err)
	}
}

func (m *customStrategyReviewsModel) ByStrategySince(ctx context.Context, strategyID string, since time.Time) ([]StrategyReviews, error) {
	query := `SELECT id, ` + strategyReviewsColumns + ` FROM strategy_reviews WHERE strategy_id = $1 AND ts >= $2 ORDER BY ts`
	var rows []StrategyReviews
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, strategyID, since); err != nil {
		return nil, fmt.Errorf("strategy_reviews.ByStrategySince: %w", err)
	}
	return rows, nil
}
