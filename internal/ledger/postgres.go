package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/retailops/pos-ingest/internal/models"
)

// PostgresLedger stores processing history in the same database the rows are
// uploaded into.
type PostgresLedger struct {
	dbpool *pgxpool.Pool
}

func NewPostgresLedger(ctx context.Context, dbpool *pgxpool.Pool) (*PostgresLedger, error) {
	l := &PostgresLedger{dbpool: dbpool}
	if err := l.createTables(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS etl_log (
			id BIGSERIAL PRIMARY KEY,
			fingerprint VARCHAR(64) NOT NULL,
			format VARCHAR(64) NOT NULL,
			filename VARCHAR(255) NOT NULL,
			report_date TIMESTAMP,
			row_count INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			message TEXT,
			load_time TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_etl_log_fingerprint ON etl_log (fingerprint, status);`,
		`CREATE TABLE IF NOT EXISTS etl_file_status (
			format VARCHAR(64) NOT NULL,
			filename VARCHAR(255) NOT NULL,
			fingerprint VARCHAR(64) NOT NULL,
			report_date TIMESTAMP,
			row_count INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			message TEXT,
			load_time TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (format, filename)
		);`,
	}

	for _, query := range queries {
		if _, err := l.dbpool.Exec(ctx, query); err != nil {
			return fmt.Errorf("error creating ledger tables: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) IsProcessed(ctx context.Context, fingerprint string) (bool, error) {
	query := `
	SELECT id
	FROM etl_log
	WHERE fingerprint = $1 AND status = 'success'
	LIMIT 1;`

	var id int64
	err := l.dbpool.QueryRow(ctx, query, fingerprint).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("error finding ledger entry by fingerprint: %w", err)
	}

	return true, nil
}

func (l *PostgresLedger) Record(ctx context.Context, entry models.LedgerEntry) error {
	tx, err := l.dbpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
	INSERT INTO etl_log (fingerprint, format, filename, report_date, row_count, status, message, load_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err = tx.Exec(ctx, insertQuery,
		entry.Fingerprint, entry.Format, entry.Filename, entry.ReportDate,
		entry.RowCount, string(entry.Outcome), entry.Message, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("error inserting ledger entry: %w", err)
	}

	upsertQuery := `
	INSERT INTO etl_file_status (format, filename, fingerprint, report_date, row_count, status, message, load_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (format, filename) DO UPDATE SET
		fingerprint = EXCLUDED.fingerprint,
		report_date = EXCLUDED.report_date,
		row_count = EXCLUDED.row_count,
		status = EXCLUDED.status,
		message = EXCLUDED.message,
		load_time = EXCLUDED.load_time;`

	_, err = tx.Exec(ctx, upsertQuery,
		entry.Format, entry.Filename, entry.Fingerprint, entry.ReportDate,
		entry.RowCount, string(entry.Outcome), entry.Message, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("error upserting file status: %w", err)
	}

	return tx.Commit(ctx)
}

func (l *PostgresLedger) LastStatus(ctx context.Context, format, filename string) (*models.LedgerEntry, error) {
	query := `
	SELECT fingerprint, format, filename, report_date, row_count, status, message, load_time
	FROM etl_file_status
	WHERE format = $1 AND filename = $2;`

	entry := &models.LedgerEntry{}
	var status string
	err := l.dbpool.QueryRow(ctx, query, format, filename).Scan(
		&entry.Fingerprint, &entry.Format, &entry.Filename, &entry.ReportDate,
		&entry.RowCount, &status, &entry.Message, &entry.RecordedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error finding file status: %w", err)
	}

	entry.Outcome = models.Outcome(status)
	return entry, nil
}
