package store

import (
	"context"
	"fmt"
	"time"

	"sales-ingest/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// batchSize bounds the rows per INSERT statement so a single statement stays
// below PostgreSQL's bind parameter limit.
const batchSize = 500

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// appendRows inserts rows in one transaction, batchSize rows per statement.
// Either every row of the call is visible or none is.
func appendRows[T any](ctx context.Context, db *sqlx.DB, table, query string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s append: %w", table, err)
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := tx.NamedExecContext(ctx, query, rows[start:end]); err != nil {
			return fmt.Errorf("failed to append %s rows: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s append: %w", table, err)
	}

	util.RowsAppendedTotal.WithLabelValues(table).Add(float64(len(rows)))
	return nil
}
