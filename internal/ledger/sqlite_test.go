package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailops/pos-ingest/internal/models"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := NewSQLiteLedger(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func successEntry(fingerprint, filename string) models.LedgerEntry {
	return models.LedgerEntry{
		Fingerprint: fingerprint,
		Format:      "daily_detail_sales",
		Filename:    filename,
		RowCount:    10,
		Outcome:     models.OutcomeSuccess,
		Message:     "uploaded 10 rows",
		RecordedAt:  time.Now().UTC(),
	}
}

func TestIsProcessedColdStart(t *testing.T) {
	l := newTestLedger(t)

	processed, err := l.IsProcessed(context.Background(), "abc123")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRecordSuccessMarksFingerprintProcessed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, successEntry("fp-1", "monday.txt")))

	processed, err := l.IsProcessed(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, processed)

	other, err := l.IsProcessed(ctx, "fp-2")
	require.NoError(t, err)
	assert.False(t, other)
}

func TestFailedOutcomeDoesNotMarkProcessed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	entry := successEntry("fp-1", "monday.txt")
	entry.Outcome = models.OutcomeFailed
	entry.Message = "failed: upload failed"
	entry.RowCount = 0
	require.NoError(t, l.Record(ctx, entry))

	// A recorded failure never blocks a retry of the same content.
	processed, err := l.IsProcessed(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestLastStatusUpsertsPerFile(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	failed := successEntry("fp-old", "monday.txt")
	failed.Outcome = models.OutcomeFailed
	failed.Message = "failed: upload failed"
	require.NoError(t, l.Record(ctx, failed))

	// A corrected re-export of the same report arrives with new content.
	require.NoError(t, l.Record(ctx, successEntry("fp-new", "monday.txt")))

	status, err := l.LastStatus(ctx, "daily_detail_sales", "monday.txt")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "fp-new", status.Fingerprint)
	assert.Equal(t, models.OutcomeSuccess, status.Outcome)
	assert.Equal(t, 10, status.RowCount)
	assert.Equal(t, "uploaded 10 rows", status.Message)

	// Both attempts stay visible through the append-only log.
	oldProcessed, err := l.IsProcessed(ctx, "fp-old")
	require.NoError(t, err)
	assert.False(t, oldProcessed)
	newProcessed, err := l.IsProcessed(ctx, "fp-new")
	require.NoError(t, err)
	assert.True(t, newProcessed)
}

func TestLastStatusUnknownFile(t *testing.T) {
	l := newTestLedger(t)

	status, err := l.LastStatus(context.Background(), "daily_detail_sales", "never-seen.txt")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	first, err := NewSQLiteLedger(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, successEntry("fp-1", "monday.txt")))
	require.NoError(t, first.Close())

	second, err := NewSQLiteLedger(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	processed, err := second.IsProcessed(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, processed)
}
