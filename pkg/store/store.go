// Package store provides the persistence adapter the core services share: a
// document-container surface over Postgres JSONB. Time-series flow inserts are
// not part of this package; they live in internal/model. Containers correspond
// to the Cosmos-era collections; each maps to one table of shape (id,
// partition_key, doc, updated_at).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// ErrNotFound is returned when a document lookup matches nothing.
var ErrNotFound = errors.New("store: document not found")

// Known document containers and their partition keys.
const (
	ContainerArbOpportunities = "arbitrage_opportunities" // partition: pair
	ContainerArbExecutions    = "arbitrage_executions"    // partition: opportunity_id
	ContainerDexPrices        = "dex_prices"              // partition: pair
	ContainerFlashLoanOpps    = "flash_loan_opportunities" // partition: protocol
	ContainerTriangularArb    = "triangular_arbitrage"    // partition: exchange
	ContainerGasPrices        = "gas_prices"              // partition: chain
	ContainerSymbolTracking   = "symbol_tracking"         // partition: symbol
	ContainerTradingConfig    = "trading_config"          // partition: config_type
)

var validContainers = map[string]struct{}{
	ContainerArbOpportunities: {},
	ContainerArbExecutions:    {},
	ContainerDexPrices:        {},
	ContainerFlashLoanOpps:    {},
	ContainerTriangularArb:    {},
	ContainerGasPrices:        {},
	ContainerSymbolTracking:   {},
	ContainerTradingConfig:    {},
}

// Document is one stored record together with its addressing fields.
type Document struct {
	ID           string          `db:"id"`
	PartitionKey string          `db:"partition_key"`
	Doc          json.RawMessage `db:"doc"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// DocumentStore is the container surface consumed by the services.
type DocumentStore interface {
	Get(ctx context.Context, container, id, partitionKey string) (*Document, error)
	Upsert(ctx context.Context, container, id, partitionKey string, doc any) error
	// Replace updates an existing document; returns false when absent.
	Replace(ctx context.Context, container, id, partitionKey string, doc any) (bool, error)
	// Query returns documents in a partition whose doc matches the JSONB
	// containment filter (nil filter matches all), newest first.
	Query(ctx context.Context, container, partitionKey string, filter any, limit int) ([]Document, error)
	// Transactional runs fn inside a database transaction when the backend
	// supports it. The session exposes the same container surface.
	Transactional(ctx context.Context, fn func(ctx context.Context, tx DocumentStore) error) error
}

// SQLStore implements DocumentStore over go-zero sqlx with the pgx driver.
type SQLStore struct {
	conn sqlx.SqlConn
}

// NewSQLStore wraps a connection.
func NewSQLStore(conn sqlx.SqlConn) *SQLStore {
	return &SQLStore{conn: conn}
}

func containerTable(container string) (string, error) {
	if _, ok := validContainers[container]; !ok {
		return "", fmt.Errorf("store: unknown container %q", container)
	}
	return container, nil
}

// Get fetches one document by id within a partition.
func (s *SQLStore) Get(ctx context.Context, container, id, partitionKey string) (*Document, error) {
	table, err := containerTable(container)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, partition_key, doc, updated_at FROM ` + table + ` WHERE id = $1 AND partition_key = $2 LIMIT 1`
	var row Document
	err = s.conn.QueryRowCtx(ctx, &row, query, id, partitionKey)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("store: get %s/%s: %w", container, id, err)
	}
}

// Upsert writes doc, replacing any existing body. Idempotent for identical
// (id, partition_key, body).
func (s *SQLStore) Upsert(ctx context.Context, container, id, partitionKey string, doc any) error {
	table, err := containerTable(container)
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", container, id, err)
	}
	query := `INSERT INTO ` + table + ` (id, partition_key, doc, updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (id, partition_key) DO UPDATE SET doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at`
	if _, err := s.conn.ExecCtx(ctx, query, id, partitionKey, body, time.Now().UTC()); err != nil {
		return fmt.Errorf("store: upsert %s/%s: %w", container, id, err)
	}
	return nil
}

// Replace updates an existing document only; returns false when no row matched.
func (s *SQLStore) Replace(ctx context.Context, container, id, partitionKey string, doc any) (bool, error) {
	table, err := containerTable(container)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("store: encode %s/%s: %w", container, id, err)
	}
	query := `UPDATE ` + table + ` SET doc=$3, updated_at=$4 WHERE id=$1 AND partition_key=$2`
	res, err := s.conn.ExecCtx(ctx, query, id, partitionKey, body, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("store: replace %s/%s: %w", container, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: replace rows %s/%s: %w", container, id, err)
	}
	return n > 0, nil
}

// Query lists documents in a partition, optionally filtered by JSONB
// containment, newest first.
func (s *SQLStore) Query(ctx context.Context, container, partitionKey string, filter any, limit int) ([]Document, error) {
	table, err := containerTable(container)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var (
		rows []Document
		args []any
	)
	query := `SELECT id, partition_key, doc, updated_at FROM ` + table + ` WHERE partition_key = $1`
	args = append(args, partitionKey)
	if filter != nil {
		body, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("store: encode filter for %s: %w", container, err)
		}
		query += ` AND doc @> $2`
		args = append(args, body)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, limit)
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: query %s: %w", container, err)
	}
	return rows, nil
}

// Transactional executes fn in a transaction; a returned error rolls back.
func (s *SQLStore) Transactional(ctx context.Context, fn func(ctx context.Context, tx DocumentStore) error) error {
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		return fn(ctx, &txStore{session: session})
	})
}

// txStore adapts a transaction session to the DocumentStore surface.
// Nested Transactional calls run in the enclosing transaction.
type txStore struct {
	session sqlx.Session
}

func (t *txStore) Get(ctx context.Context, container, id, partitionKey string) (*Document, error) {
	table, err := containerTable(container)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, partition_key, doc, updated_at FROM ` + table + ` WHERE id = $1 AND partition_key = $2 LIMIT 1`
	var row Document
	err = t.session.QueryRowCtx(ctx, &row, query, id, partitionKey)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("store: tx get %s/%s: %w", container, id, err)
	}
}

func (t *txStore) Upsert(ctx context.Context, container, id, partitionKey string, doc any) error {
	table, err := containerTable(container)
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", container, id, err)
	}
	query := `INSERT INTO ` + table + ` (id, partition_key, doc, updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (id, partition_key) DO UPDATE SET doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at`
	if _, err := t.session.ExecCtx(ctx, query, id, partitionKey, body, time.Now().UTC()); err != nil {
		return fmt.Errorf("store: tx upsert %s/%s: %w", container, id, err)
	}
	return nil
}

func (t *txStore) Replace(ctx context.Context, container, id, partitionKey string, doc any) (bool, error) {
	table, err := containerTable(container)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("store: encode %s/%s: %w", container, id, err)
	}
	query := `UPDATE ` + table + ` SET doc=$3, updated_at=$4 WHERE id=$1 AND partition_key=$2`
	res, err := t.session.ExecCtx(ctx, query, id, partitionKey, body, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("store: tx replace %s/%s: %w", container, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: tx replace rows %s/%s: %w", container, id, err)
	}
	return n > 0, nil
}

func (t *txStore) Query(ctx context.Context, container, partitionKey string, filter any, limit int) ([]Document, error) {
	table, err := containerTable(container)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var (
		rows []Document
		args []any
	)
	query := `SELECT id, partition_key, doc, updated_at FROM ` + table + ` WHERE partition_key = $1`
	args = append(args, partitionKey)
	if filter != nil {
		body, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("store: encode filter for %s: %w", container, err)
		}
		query += ` AND doc @> $2`
		args = append(args, body)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, limit)
	if err := t.session.QueryRowsCtx(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: tx query %s: %w", container, err)
	}
	return rows, nil
}

func (t *txStore) Transactional(ctx context.Context, fn func(ctx context.Context, tx DocumentStore) error) error {
	return fn(ctx, t)
}

// Decode unmarshals a document body into out.
func Decode(d *Document, out any) error {
	if d == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(d.Doc, out); err != nil {
		return fmt.Errorf("store: decode %s: %w", d.ID, err)
	}
	return nil
}

// IsNotFound reports whether err is the adapter's or database's not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlx.ErrNotFound)
}
