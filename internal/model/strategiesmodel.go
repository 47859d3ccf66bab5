package model

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ StrategiesModel = (*customStrategiesModel)(nil)

// Strategy statuses.
const (
	StrategyStatusDraft    = "draft"
	StrategyStatusPaper    = "paper_trading"
	StrategyStatusActive   = "active"
	StrategyStatusInactive = "inactive"
	StrategyStatusPaused   = "paused"
	StrategyStatusReplaced = "replaced"
	StrategyStatusRetired  = "retired"
)

// Strategies mirrors one row of the strategies table. Parameters and Metadata
// are JSON documents.
type Strategies struct {
	Id         string    `db:"id"`
	Name       string    `db:"name"`
	Type       string    `db:"type"`
	Parameters []byte    `db:"parameters"`
	Status     string    `db:"status"`
	IsActive   bool      `db:"is_active"`
	Enabled    bool      `db:"enabled"`
	Allocation float64   `db:"allocation"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type (
	strategiesModel interface {
		Insert(ctx context.Context, data *Strategies) error
		FindOne(ctx context.Context, id string) (*Strategies, error)
		Update(ctx context.Context, data *Strategies) error
	}

	// StrategiesModel is the strategy table access surface.
	StrategiesModel interface {
		strategiesModel
		Active(ctx context.Context) ([]Strategies, error)
		ByStatus(ctx context.Context, status string) ([]Strategies, error)
		ByType(ctx context.Context, strategyType string) ([]Strategies, error)
		SetActivation(ctx context.Context, id string, active bool, status string, metadata []byte) error
		UpdateAllocation(ctx context.Context, id string, allocation float64) error
		MergeParameters(ctx context.Context, id string, parameters []byte) error
	}

	customStrategiesModel struct {
		conn sqlx.SqlConn
	}
)

// NewStrategiesModel returns a model for the strategies table.
func NewStrategiesModel(conn sqlx.SqlConn) StrategiesModel {
	return &customStrategiesModel{conn: conn}
}

const strategiesColumns = `id, name, type, parameters, status, is_active, enabled, allocation, metadata, created_at, updated_at`

func (m *customStrategiesModel) Insert(ctx context.Context, data *Strategies) error {
	query := `INSERT INTO strategies (` + strategiesColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.Name, data.Type, data.Parameters, data.Status,
		data.IsActive, data.Enabled, data.Allocation, data.Metadata, data.CreatedAt, data.UpdatedAt)
	if err != nil {
		return fmt.Errorf("strategies.Insert: %w", err)
	}
	return nil
}

func (m *customStrategiesModel) FindOne(ctx context.Context, id string) (*Strategies, error) {
	query := `SELECT ` + strategiesColumns + ` FROM strategies WHERE id = $1 LIMIT 1`
	var row Strategies
	err := m.conn.QueryRowCtx(ctx, &row, query, id)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("strategies.FindOne: %w", err)
	}
}

func (m *customStrategiesModel) Update(ctx context.Context, data *Strategies) error {
	query := `UPDATE strategies SET name=$2, type=$3, parameters=$4, status=$5, is_active=$6,
enabled=$7, allocation=$8, metadata=$9, updated_at=$10 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, data.Id, data.Name, data.Type, data.Parameters, data.Status,
		data.IsActive, data.Enabled, data.Allocation, data.Metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("strategies.Update: %w", err)
	}
	return nil
}

func (m *customStrategiesModel) Active(ctx context.Context) ([]Strategies, error) {
	query := `SELECT ` + strategiesColumns + ` FROM strategies WHERE is_active AND enabled AND status = $1 ORDER BY allocation DESC, id`
	var rows []Strategies
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, StrategyStatusActive); err != nil {
		return nil, fmt.Errorf("strategies.Active: %w", err)
	}
	return rows, nil
}

func (m *customStrategiesModel) ByStatus(ctx context.Context, status string) ([]Strategies, error) {
	query := `SELECT ` + strategiesColumns + ` FROM strategies WHERE status = $1 ORDER BY updated_at DESC`
	var rows []Strategies
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, status); err != nil {
		return nil, fmt.Errorf("strategies.ByStatus: %w", err)
	}
	return rows, nil
}

func (m *customStrategiesModel) ByType(ctx context.Context, strategyType string) ([]Strategies, error) {
	query := `SELECT ` + strategiesColumns + ` FROM strategies WHERE type = $1 AND status NOT IN ($2,$3) ORDER BY updated_at DESC`
	var rows []Strategies
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, strategyType, StrategyStatusRetired, StrategyStatusReplaced); err != nil {
		return nil, fmt.Errorf("strategies.ByType: %w", err)
	}
	return rows, nil
}

// SetActivation flips is_active together with status and metadata in a single
// statement so the is_active => status=active invariant cannot be observed
// broken.
func (m *customStrategiesModel) SetActivation(ctx context.Context, id string, active bool, status string, metadata []byte) error {
	query := `UPDATE strategies SET is_active=$2, status=$3, metadata=COALESCE($4, metadata), updated_at=$5 WHERE id=$1`
	var meta any
	if len(metadata) > 0 {
		meta = metadata
	}
	_, err := m.conn.ExecCtx(ctx, query, id, active, status, meta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("strategies.SetActivation: %w", err)
	}
	return nil
}

func (m *customStrategiesModel) UpdateAllocation(ctx context.Context, id string, allocation float64) error {
	query := `UPDATE strategies SET allocation=$2, updated_at=$3 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, id, allocation, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("strategies.UpdateAllocation: %w", err)
	}
	return nil
}

// MergeParameters overlays the given JSON object onto the stored parameters.
func (m *customStrategiesModel) MergeParameters(ctx context.Context, id string, parameters []byte) error {
	query := `UPDATE strategies SET parameters = parameters || $2::jsonb, updated_at=$3 WHERE id=$1`
	_, err := m.conn.ExecCtx(ctx, query, id, parameters, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("strategies.MergeParameters: %w", err)
	}
	return nil
}
