// Package pipeline wires the watcher, ledger, normalizer, sink, and
// lifecycle manager into the per-file processing state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/retailops/pos-ingest/internal/database"
	"github.com/retailops/pos-ingest/internal/ledger"
	"github.com/retailops/pos-ingest/internal/lifecycle"
	"github.com/retailops/pos-ingest/internal/models"
	"github.com/retailops/pos-ingest/internal/notify"
	"github.com/retailops/pos-ingest/internal/report"
	"github.com/retailops/pos-ingest/pkg/checksum"
)

// ledgerRetryDelay holds a file in processing before it is returned to
// incoming after a failed ledger check. The rename back into incoming
// re-fires a watch event in live mode; without the pause a ledger outage
// becomes a hot rename loop.
var ledgerRetryDelay = 30 * time.Second

// Coordinator sequences one file at a time through fingerprinting, the
// ledger duplicate check, normalization, upload, and the terminal lifecycle
// move. It is the only component with side effects spanning more than one
// stage.
type Coordinator struct {
	ledger     ledger.Ledger
	sink       database.Sink
	notifier   notify.Notifier
	lifecycles map[string]*lifecycle.Manager // format -> stage manager
	numWorkers int

	// liveAlerts sends a per-file notification for exceptional outcomes as
	// they happen (live-watch mode). Only events the watcher detected live
	// alert this way; backlog sweeps, including the daemon's startup sweep,
	// run batch instead to avoid notification storms on bulk backlogs.
	liveAlerts bool
}

func NewCoordinator(
	ldg ledger.Ledger,
	sink database.Sink,
	notifier notify.Notifier,
	lifecycles map[string]*lifecycle.Manager,
	numWorkers int,
	liveAlerts bool,
) *Coordinator {
	return &Coordinator{
		ledger:     ldg,
		sink:       sink,
		notifier:   notifier,
		lifecycles: lifecycles,
		numWorkers: numWorkers,
		liveAlerts: liveAlerts,
	}
}

// Run consumes the event channel with a bounded worker pool and returns the
// terminal result of every processed file. Workers drain the channel even
// after cancellation so no file is abandoned between stage directories;
// the watcher stops producing when the context ends.
func (c *Coordinator) Run(ctx context.Context, events <-chan models.FileEvent) []models.FileResult {
	var (
		mu      sync.Mutex
		results []models.FileResult
	)

	// Cancellation only stops the watcher from producing. Files already in
	// flight keep an uncancelled context so their uploads and ledger writes
	// finish and they reach a real terminal stage instead of a manufactured
	// rejection.
	procCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < c.numWorkers; i++ {
		g.Go(func() error {
			for event := range events {
				result, processed := c.process(procCtx, event)
				if !processed {
					continue
				}
				if c.liveAlerts && event.Live && exceptional(result) {
					c.notifier.Notify(
						fmt.Sprintf("[Data Pipeline] %s: %s", result.Outcome, result.Filename),
						result.Message,
					)
				}
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// NotifySummary sends exactly one aggregate notification for the run's
// non-success outcomes. No email is sent when everything succeeded.
func (c *Coordinator) NotifySummary(results []models.FileResult) {
	var lines []string
	for _, r := range results {
		if r.Outcome == models.OutcomeSuccess {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s [%s]: %s", r.Filename, r.Outcome, r.Message))
	}
	if len(lines) == 0 {
		return
	}

	body := "The following files were skipped, failed, or rejected:\n\n"
	for _, line := range lines {
		body += line + "\n"
	}
	c.notifier.Notify("[Data Pipeline] Skipped/Failed/Rejection Summary", body)
}

func exceptional(r models.FileResult) bool {
	return r.Outcome == models.OutcomeFailed || r.Outcome == models.OutcomeDuplicate
}

// process runs one file to a terminal state. The second return value is
// false when the event dissolved without a terminal outcome: a duplicate
// delivery that lost the claim race, or a readiness retry.
func (c *Coordinator) process(ctx context.Context, event models.FileEvent) (models.FileResult, bool) {
	filename := filepath.Base(event.Path)
	result := models.FileResult{
		Path:     event.Path,
		Filename: filename,
		Format:   event.Format,
	}

	if event.Err != nil {
		// Readiness timeout: the file stays in incoming and the next sweep
		// retries it. Reported, but no ledger entry and no move.
		log.Printf("WARN: %s not readable in time, leaving for next sweep: %v", event.Path, event.Err)
		result.Outcome = models.OutcomeFailed
		result.Message = event.Err.Error()
		var fileErr *models.FileError
		errors.As(event.Err, &fileErr)
		result.Err = fileErr
		return result, true
	}

	format, ok := report.Get(event.Format)
	if !ok {
		log.Printf("ERROR: no format registered for %q, ignoring %s", event.Format, event.Path)
		return result, false
	}
	mgr, ok := c.lifecycles[event.Format]
	if !ok {
		log.Printf("ERROR: no lifecycle manager for %q, ignoring %s", event.Format, event.Path)
		return result, false
	}

	// Entering processing is the mutual-exclusion point: the rename makes
	// this file observably absent from incoming before parsing starts.
	procPath, err := mgr.Claim(event.Path)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyClaimed) {
			log.Printf("File %s already claimed by another worker, dropping duplicate event", event.Path)
			return result, false
		}
		log.Printf("ERROR: failed to claim %s: %v", event.Path, err)
		result.Outcome = models.OutcomeFailed
		result.Message = fmt.Sprintf("failed: could not claim file: %v", err)
		return result, true
	}

	log.Printf("Processing file: %s (format: %s)", filename, event.Format)

	fingerprint, err := checksum.GetFileFingerprint(procPath)
	if err != nil {
		return c.reject(ctx, mgr, procPath, result, "",
			models.NewFileError(models.ErrStructural, procPath, "could not fingerprint file", err)), true
	}

	isProcessed, err := c.ledger.IsProcessed(ctx, fingerprint)
	if err != nil {
		// Without the ledger the duplicate guarantee is gone; push the file
		// back to incoming so a later run retries it. The hold throttles the
		// retry cycle while the outage lasts.
		log.Printf("ERROR: ledger check failed for %s: %v", filename, err)
		time.Sleep(ledgerRetryDelay)
		if _, mvErr := mgr.Transition(procPath, lifecycle.StageIncoming); mvErr != nil {
			log.Printf("ERROR: failed to return %s to incoming: %v", procPath, mvErr)
		}
		result.Outcome = models.OutcomeFailed
		result.Message = fmt.Sprintf("failed: ledger unavailable: %v", err)
		return result, true
	}
	if isProcessed {
		log.Printf("File %s (fingerprint: %s) has already been processed. Rejecting.", filename, fingerprint)
		return c.rejectDuplicate(ctx, mgr, procPath, result, fingerprint), true
	}

	data, err := os.ReadFile(procPath)
	if err != nil {
		return c.reject(ctx, mgr, procPath, result, fingerprint,
			models.NewFileError(models.ErrStructural, procPath, "could not read file", err)), true
	}

	rows, err := report.Normalize(format, data, filename)
	if err != nil {
		var fileErr *models.FileError
		if !errors.As(err, &fileErr) {
			fileErr = models.NewFileError(models.ErrStructural, procPath, "normalization failed", err)
		}
		return c.reject(ctx, mgr, procPath, result, fingerprint, fileErr), true
	}

	if rows.Len() == 0 {
		log.Printf("No data found in %s. Moving to rejected.", filename)
		result.Outcome = models.OutcomeEmpty
		result.Message = "no data rows after normalization"
		c.finishRejected(ctx, mgr, procPath, fingerprint, result)
		return result, true
	}

	count, err := c.sink.Upload(ctx, rows, format.Table)
	if err != nil {
		return c.reject(ctx, mgr, procPath, result, fingerprint,
			models.NewFileError(models.ErrSink, procPath, "upload failed", err)), true
	}
	log.Printf("Uploaded %d rows from %s to %s", count, filename, format.Table)

	entry := models.LedgerEntry{
		Fingerprint: fingerprint,
		Format:      event.Format,
		Filename:    filename,
		ReportDate:  businessDate(rows),
		RowCount:    int(count),
		Outcome:     models.OutcomeSuccess,
		Message:     fmt.Sprintf("uploaded %d rows", count),
		RecordedAt:  time.Now(),
	}
	if err := c.ledger.Record(ctx, entry); err != nil {
		// The one case where the file stays put: without a durable success
		// record, moving to processed would risk claiming success silently.
		// A restart finds the file in processing and reattempts it.
		log.Printf("ERROR: ledger write failed for %s, leaving file in processing: %v", filename, err)
		result.Outcome = models.OutcomeFailed
		result.Message = fmt.Sprintf("failed: ledger write after upload: %v", err)
		result.Err = models.NewFileError(models.ErrLedgerWrite, procPath, "ledger write failed after upload", err)
		return result, true
	}

	if _, err := mgr.Transition(procPath, lifecycle.StageProcessed); err != nil {
		log.Printf("WARN: recorded success but failed to move %s to processed: %v", procPath, err)
	}

	log.Printf("Finished processing %s (%d rows)", filename, count)
	result.Outcome = models.OutcomeSuccess
	result.RowCount = int(count)
	result.Message = entry.Message
	return result, true
}

// reject moves the file to rejected and records the failure with its cause
// preserved for operator triage.
func (c *Coordinator) reject(ctx context.Context, mgr *lifecycle.Manager, path string, result models.FileResult, fingerprint string, fileErr *models.FileError) models.FileResult {
	log.Printf("ERROR: %v", fileErr)
	result.Outcome = models.OutcomeFailed
	result.Message = fmt.Sprintf("failed: %s", fileErr.Message)
	if fileErr.Err != nil {
		result.Message = fmt.Sprintf("failed: %s: %v", fileErr.Message, fileErr.Err)
	}
	result.Err = fileErr
	c.finishRejected(ctx, mgr, path, fingerprint, result)
	return result
}

func (c *Coordinator) rejectDuplicate(ctx context.Context, mgr *lifecycle.Manager, path string, result models.FileResult, fingerprint string) models.FileResult {
	result.Outcome = models.OutcomeDuplicate
	result.Message = "file content already processed"
	result.Err = models.NewFileError(models.ErrDuplicateContent, path, result.Message, nil)
	c.finishRejected(ctx, mgr, path, fingerprint, result)
	return result
}

// finishRejected performs the single terminal relocation to rejected and the
// matching ledger write. A ledger failure here is logged, not escalated: the
// file's physical location already reflects the outcome.
func (c *Coordinator) finishRejected(ctx context.Context, mgr *lifecycle.Manager, path, fingerprint string, result models.FileResult) {
	if _, err := mgr.Transition(path, lifecycle.StageRejected); err != nil {
		log.Printf("ERROR: failed to move %s to rejected: %v", path, err)
	}

	entry := models.LedgerEntry{
		Fingerprint: fingerprint,
		Format:      result.Format,
		Filename:    result.Filename,
		RowCount:    result.RowCount,
		Outcome:     result.Outcome,
		Message:     result.Message,
		RecordedAt:  time.Now(),
	}
	if err := c.ledger.Record(ctx, entry); err != nil {
		log.Printf("ERROR: failed to record %s outcome for %s: %v", result.Outcome, result.Filename, err)
	}
}

// businessDate extracts the report's business date from the normalized rows,
// preferring the per-row transaction date over report metadata.
func businessDate(rows *models.RowSet) *time.Time {
	for _, col := range []string{"transaction_date", "report_date", "eta_date"} {
		for _, row := range rows.Rows {
			if t, ok := row[col].(time.Time); ok {
				return &t
			}
		}
	}
	return nil
}
