package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/retailops/pos-ingest/internal/models"
)

// SQLiteLedger keeps processing history in a local database file, for
// deployments that do not want the idempotency record in the warehouse.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(ctx context.Context, path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS etl_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			format TEXT NOT NULL,
			filename TEXT NOT NULL,
			report_date TIMESTAMP,
			row_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			message TEXT,
			load_time TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_etl_log_fingerprint ON etl_log (fingerprint, status);`,
		`CREATE TABLE IF NOT EXISTS etl_file_status (
			format TEXT NOT NULL,
			filename TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			report_date TIMESTAMP,
			row_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			message TEXT,
			load_time TIMESTAMP NOT NULL,
			PRIMARY KEY (format, filename)
		);`,
	}

	for _, query := range queries {
		if _, err := l.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error creating ledger tables: %w", err)
		}
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) IsProcessed(ctx context.Context, fingerprint string) (bool, error) {
	query := `
	SELECT id
	FROM etl_log
	WHERE fingerprint = ? AND status = 'success'
	LIMIT 1;`

	var id int64
	err := l.db.QueryRowContext(ctx, query, fingerprint).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("error finding ledger entry by fingerprint: %w", err)
	}

	return true, nil
}

func (l *SQLiteLedger) Record(ctx context.Context, entry models.LedgerEntry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning ledger transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
	INSERT INTO etl_log (fingerprint, format, filename, report_date, row_count, status, message, load_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

	_, err = tx.ExecContext(ctx, insertQuery,
		entry.Fingerprint, entry.Format, entry.Filename, entry.ReportDate,
		entry.RowCount, string(entry.Outcome), entry.Message, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("error inserting ledger entry: %w", err)
	}

	upsertQuery := `
	INSERT INTO etl_file_status (format, filename, fingerprint, report_date, row_count, status, message, load_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (format, filename) DO UPDATE SET
		fingerprint = excluded.fingerprint,
		report_date = excluded.report_date,
		row_count = excluded.row_count,
		status = excluded.status,
		message = excluded.message,
		load_time = excluded.load_time;`

	_, err = tx.ExecContext(ctx, upsertQuery,
		entry.Format, entry.Filename, entry.Fingerprint, entry.ReportDate,
		entry.RowCount, string(entry.Outcome), entry.Message, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("error upserting file status: %w", err)
	}

	return tx.Commit()
}

func (l *SQLiteLedger) LastStatus(ctx context.Context, format, filename string) (*models.LedgerEntry, error) {
	query := `
	SELECT fingerprint, format, filename, report_date, row_count, status, message, load_time
	FROM etl_file_status
	WHERE format = ? AND filename = ?;`

	entry := &models.LedgerEntry{}
	var status string
	err := l.db.QueryRowContext(ctx, query, format, filename).Scan(
		&entry.Fingerprint, &entry.Format, &entry.Filename, &entry.ReportDate,
		&entry.RowCount, &status, &entry.Message, &entry.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error finding file status: %w", err)
	}

	entry.Outcome = models.Outcome(status)
	return entry, nil
}
