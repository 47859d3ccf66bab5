package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ GenerationJobsModel = (*customGenerationJobsModel)(nil)

// Generation job statuses.
const (
	JobStatusPending     = "pending"
	JobStatusGenerating  = "generating"
	JobStatusBacktesting = "backtesting"
	JobStatusCompleted   = "completed"
	JobStatusFailed      = "failed"
	JobStatusCancelled   = "cancelled"
)

// GenerationJobs mirrors one strategy generation job row.
type GenerationJobs struct {
	JobId           string         `db:"job_id"`
	Status          string         `db:"status"`
	Total           int            `db:"total"`
	Generated       int            `db:"generated"`
	Backtested      int            `db:"backtested"`
	Passed          int            `db:"passed"`
	Failed          int            `db:"failed"`
	CurrentStrategy sql.NullString `db:"current_strategy"`
	StartedAt       time.Time      `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

type (
	// GenerationJobsModel is the generation_jobs access surface.
	GenerationJobsModel interface {
		Insert(ctx context.Context, data *GenerationJobs) error
		FindOne(ctx context.Context, jobID string) (*GenerationJobs, error)
		Update(ctx context.Context, data *GenerationJobs) error
	}

	customGenerationJobsModel struct {
		conn sqlx.SqlConn
	}
)

// NewGenerationJobsModel returns a model for the generation_jobs table.
func NewGenerationJobsModel(conn sqlx.SqlConn) GenerationJobsModel {
	return &customGenerationJobsModel{conn: conn}
}

const generationJobsColumns = `job_id, status, total, generated, backtested, passed, failed, current_strategy, started_at, completed_at`

func (m *customGenerationJobsModel) Insert(ctx context.Context, data *GenerationJobs) error {
	query := `INSERT INTO generation_jobs (` + generationJobsColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := m.conn.ExecCtx(ctx, query, data.JobId, data.Status, data.Total, data.Generated,
		data.Backtested, data.Passed, data.Failed, data.CurrentStrategy, data.StartedAt, data.CompletedAt)
	if err != nil {
		return fmt.Errorf("generation_jobs.Insert: %w", err)
	}
	return nil
}

func (m *customGenerationJobsModel) FindOne(ctx context.Context, jobID string) (*GenerationJobs, error) {
	query := `SELECT ` + generationJobsColumns + ` FROM generation_jobs WHERE job_id = $1 LIMIT 1`
	var row GenerationJobs
	err := m.conn.QueryRowCtx(ctx, &row, query, jobID)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("generation_jobs.FindOne: %w", err)
	}
}

func (m *customGenerationJobsModel) Update(ctx context.Context, data *GenerationJobs) error {
	query := `UPDATE generation_jobs SET status=$2, total=$3, generated=$4, backtested=$5, passed=$6,
failed=$7, current_strategy=$8, completed_at=$9 WHERE job_id=$1`
	_, err := m.conn.ExecCtx(ctx, query, data.JobId, data.Status, data.Total, data.Generated,
		data.Backtested, data.Passed, data.Failed, data.CurrentStrategy, data.CompletedAt)
	if err != nil {
		return fmt.Errorf("generation_jobs.Update: %w", err)
	}
	return nil
}
