// Package ledger is the durable idempotency record for the pipeline. It
// keeps an append-only log of terminal processing outcomes keyed by content
// fingerprint, plus a per-(format, filename) status row for operators.
package ledger

import (
	"context"

	"github.com/retailops/pos-ingest/internal/models"
)

// Ledger is the narrow write/query API every mutation of processing history
// goes through.
type Ledger interface {
	// IsProcessed reports whether a prior entry for this fingerprint exists
	// with outcome success. Cold start returns false.
	IsProcessed(ctx context.Context, fingerprint string) (bool, error)

	// Record appends one terminal entry and upserts the (format, filename)
	// status row. Called exactly once per terminal attempt, never per
	// retry in flight.
	Record(ctx context.Context, entry models.LedgerEntry) error

	// LastStatus returns the current status row for a named file, or nil
	// when the file has never been recorded.
	LastStatus(ctx context.Context, format, filename string) (*models.LedgerEntry, error)
}
