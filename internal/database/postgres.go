package database

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/retailops/pos-ingest/internal/models"
)

func ConnectDB(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	dbpool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return dbpool, nil
}

// Sink is the downstream destination for normalized rows. Idempotent retries
// of the same row set are the sink's responsibility; the pipeline dedups at
// file granularity only.
type Sink interface {
	// Upload writes the row set into the named table and returns the number
	// of rows written.
	Upload(ctx context.Context, rows *models.RowSet, table string) (int64, error)
}

// PostgresSink bulk-loads row sets with COPY inside a transaction.
type PostgresSink struct {
	dbpool *pgxpool.Pool
}

func NewPostgresSink(dbpool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{dbpool: dbpool}
}

func (s *PostgresSink) Upload(ctx context.Context, rows *models.RowSet, table string) (int64, error) {
	if rows.Len() == 0 {
		return 0, nil
	}

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	copySource := pgx.CopyFromSlice(rows.Len(), func(i int) ([]interface{}, error) {
		values := make([]interface{}, len(rows.Columns))
		for c, name := range rows.Columns {
			values[c] = rows.Rows[i][name]
		}
		return values, nil
	})

	log.Printf("Bulk loading %d rows into table %s", rows.Len(), table)
	count, err := tx.CopyFrom(ctx, pgx.Identifier{table}, rows.Columns, copySource)
	if err != nil {
		return 0, fmt.Errorf("unable to copy rows into table %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("error committing upload to table %s: %w", table, err)
	}

	return count, nil
}
