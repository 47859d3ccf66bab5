package model

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ SettingsModel = (*customSettingsModel)(nil)

// Settings is one key/value settings row.
type Settings struct {
	Name      string    `db:"name"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

type (
	// SettingsModel is the settings access surface.
	SettingsModel interface {
		Get(ctx context.Context, name string) (string, error)
		Set(ctx context.Context, name, value string) error
		// GetInt returns the integer setting; on a missing key the default is
		// persisted and returned.
		GetInt(ctx context.Context, name string, def int) (int, error)
	}

	customSettingsModel struct {
		conn sqlx.SqlConn
	}
)

// NewSettingsModel returns a model for the settings table.
func NewSettingsModel(conn sqlx.SqlConn) SettingsModel {
	return &customSettingsModel{conn: conn}
}

func (m *customSettingsModel) Get(ctx context.Context, name string) (string, error) {
	query := `SELECT value FROM settings WHERE name = $1 LIMIT 1`
	var value string
	err := m.conn.QueryRowCtx(ctx, &value, query, name)
	switch err {
	case nil:
		return value, nil
	case sqlx.ErrNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("settings.Get: %w", err)
	}
}

func (m *customSettingsModel) Set(ctx context.Context, name, value string) error {
	query := `INSERT INTO settings (name, value, updated_at) VALUES ($1,$2,$3)
ON CONFLICT (name) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`
	_, err := m.conn.ExecCtx(ctx, query, name, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settings.Set: %w", err)
	}
	return nil
}

func (m *customSettingsModel) GetInt(ctx context.Context, name string, def int) (int, error) {
	raw, err := m.Get(ctx, name)
	if err == ErrNotFound {
		if err := m.Set(ctx, name, strconv.Itoa(def)); err != nil {
			return def, err
		}
		return def, nil
	}
	if err != nil {
		return def, err
	}
	v, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return def, fmt.Errorf("settings.GetInt %s: %w", name, convErr)
	}
	return v, nil
}
