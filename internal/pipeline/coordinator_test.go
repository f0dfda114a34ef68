package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/retailops/pos-ingest/internal/lifecycle"
	"github.com/retailops/pos-ingest/internal/models"
)

const inventoryContent = "Stock No\tProduct Name\tETA Date\tQty\nS-1\tLamp\t2024-05-01\t15\nS-2\tRug\t2024-05-03\t4"

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) IsProcessed(ctx context.Context, fingerprint string) (bool, error) {
	args := m.Called(fingerprint)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Record(ctx context.Context, entry models.LedgerEntry) error {
	args := m.Called(entry)
	return args.Error(0)
}

func (m *MockLedger) LastStatus(ctx context.Context, format, filename string) (*models.LedgerEntry, error) {
	args := m.Called(format, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Upload(ctx context.Context, rows *models.RowSet, table string) (int64, error) {
	args := m.Called(rows, table)
	return args.Get(0).(int64), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(subject, body string) {
	m.Called(subject, body)
}

type pipelineEnv struct {
	mgr         *lifecycle.Manager
	ledger      *MockLedger
	sink        *MockSink
	notifier    *MockNotifier
	coordinator *Coordinator
}

func newPipelineEnv(t *testing.T, workers int, liveAlerts bool) *pipelineEnv {
	t.Helper()
	mgr := lifecycle.NewManager(t.TempDir())
	require.NoError(t, mgr.EnsureStages())

	env := &pipelineEnv{
		mgr:      mgr,
		ledger:   new(MockLedger),
		sink:     new(MockSink),
		notifier: new(MockNotifier),
	}
	env.coordinator = NewCoordinator(
		env.ledger,
		env.sink,
		env.notifier,
		map[string]*lifecycle.Manager{"inbound_inventory": mgr},
		workers,
		liveAlerts,
	)
	return env
}

func (e *pipelineEnv) dropFile(t *testing.T, name, content string) models.FileEvent {
	t.Helper()
	path := filepath.Join(e.mgr.StageDir(lifecycle.StageIncoming), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return models.FileEvent{Path: path, Format: "inbound_inventory", DetectedAt: time.Now(), Live: true}
}

func run(c *Coordinator, events ...models.FileEvent) []models.FileResult {
	return runCtx(context.Background(), c, events...)
}

func runCtx(ctx context.Context, c *Coordinator, events ...models.FileEvent) []models.FileResult {
	ch := make(chan models.FileEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return c.Run(ctx, ch)
}

func stubRetryDelay(t *testing.T, d time.Duration) {
	t.Helper()
	old := ledgerRetryDelay
	ledgerRetryDelay = d
	t.Cleanup(func() { ledgerRetryDelay = old })
}

func (e *pipelineEnv) assertStage(t *testing.T, stage lifecycle.Stage, name string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(e.mgr.StageDir(stage), name))
	assert.NoError(t, err, "expected %s in %s", name, stage)
}

func TestProcessSuccess(t *testing.T) {
	env := newPipelineEnv(t, 1, true)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, nil)
	env.sink.On("Upload", mock.Anything, "inbound_inventory").Return(int64(2), nil)
	env.ledger.On("Record", mock.MatchedBy(func(e models.LedgerEntry) bool {
		return e.Outcome == models.OutcomeSuccess && e.RowCount == 2 && e.ReportDate != nil
	})).Return(nil)

	results := run(env.coordinator, env.dropFile(t, "inventory.txt", inventoryContent))

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, 2, results[0].RowCount)

	env.assertStage(t, lifecycle.StageProcessed, "inventory.txt")
	env.ledger.AssertNumberOfCalls(t, "Record", 1)
	// Successes never alert, even in live mode.
	env.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestProcessDuplicateContent(t *testing.T) {
	env := newPipelineEnv(t, 1, true)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(true, nil)
	env.ledger.On("Record", mock.MatchedBy(func(e models.LedgerEntry) bool {
		return e.Outcome == models.OutcomeDuplicate
	})).Return(nil)
	env.notifier.On("Notify", mock.MatchedBy(func(subject string) bool {
		return strings.Contains(subject, "duplicate")
	}), mock.Anything).Return()

	results := run(env.coordinator, env.dropFile(t, "inventory.txt", inventoryContent))

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeDuplicate, results[0].Outcome)

	env.assertStage(t, lifecycle.StageRejected, "inventory.txt")
	env.sink.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	env.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestProcessStructuralFailure(t *testing.T) {
	env := newPipelineEnv(t, 1, false)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, nil)
	env.ledger.On("Record", mock.MatchedBy(func(e models.LedgerEntry) bool {
		return e.Outcome == models.OutcomeFailed && strings.HasPrefix(e.Message, "failed: ")
	})).Return(nil)

	// Header missing the required eta_date and qty columns.
	results := run(env.coordinator, env.dropFile(t, "inventory.txt", "Stock No\tProduct Name\nS-1\tLamp"))

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Message, "required column")

	env.assertStage(t, lifecycle.StageRejected, "inventory.txt")
	env.sink.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
}

func TestProcessEmptyFile(t *testing.T) {
	env := newPipelineEnv(t, 1, true)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, nil)
	env.ledger.On("Record", mock.MatchedBy(func(e models.LedgerEntry) bool {
		return e.Outcome == models.OutcomeEmpty
	})).Return(nil)

	results := run(env.coordinator, env.dropFile(t, "inventory.txt", "Stock No\tProduct Name\tETA Date\tQty\n"))

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeEmpty, results[0].Outcome)

	env.assertStage(t, lifecycle.StageRejected, "inventory.txt")
	env.sink.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	// Empty files are routine, not alert-worthy.
	env.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestProcessUploadFailure(t *testing.T) {
	env := newPipelineEnv(t, 1, false)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, nil)
	env.sink.On("Upload", mock.Anything, "inbound_inventory").Return(int64(0), errors.New("connection reset"))
	env.ledger.On("Record", mock.MatchedBy(func(e models.LedgerEntry) bool {
		return e.Outcome == models.OutcomeFailed
	})).Return(nil)

	results := run(env.coordinator, env.dropFile(t, "inventory.txt", inventoryContent))

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Message, "upload failed")

	env.assertStage(t, lifecycle.StageRejected, "inventory.txt")
}

func TestProcessLedgerWriteFailureLeavesFileInProcessing(t *testing.T) {
	env := newPipelineEnv(t, 1, false)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, nil)
	env.sink.On("Upload", mock.Anything, "inbound_inventory").Return(int64(2), nil)
	env.ledger.On("Record", mock.Anything).Return(errors.New("disk full"))

	results := run(env.coordinator, env.dropFile(t, "inventory.txt", inventoryContent))

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Message, "ledger write after upload")

	// Without a durable success record the file must stay in processing so a
	// restart reattempts it.
	env.assertStage(t, lifecycle.StageProcessing, "inventory.txt")
	_, err := os.Stat(filepath.Join(env.mgr.StageDir(lifecycle.StageProcessed), "inventory.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessLedgerCheckFailureReturnsFileToIncoming(t *testing.T) {
	env := newPipelineEnv(t, 1, false)
	stubRetryDelay(t, time.Millisecond)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, errors.New("ledger down"))

	results := run(env.coordinator, env.dropFile(t, "inventory.txt", inventoryContent))

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeFailed, results[0].Outcome)

	env.assertStage(t, lifecycle.StageIncoming, "inventory.txt")
	env.ledger.AssertNotCalled(t, "Record", mock.Anything)
	env.sink.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
}

func TestProcessLedgerCheckFailureHoldsFileBeforeRequeue(t *testing.T) {
	env := newPipelineEnv(t, 1, false)
	stubRetryDelay(t, 150*time.Millisecond)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, errors.New("ledger down"))

	start := time.Now()
	results := run(env.coordinator, env.dropFile(t, "inventory.txt", inventoryContent))

	// The rename back into incoming re-fires a watch event in live mode, so
	// each retry cycle must be throttled.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	require.Len(t, results, 1)
	env.assertStage(t, lifecycle.StageIncoming, "inventory.txt")
}

func TestProcessConcurrentDeliveryOfSameFile(t *testing.T) {
	env := newPipelineEnv(t, 2, false)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(false, nil)
	env.sink.On("Upload", mock.Anything, "inbound_inventory").Return(int64(2), nil)
	env.ledger.On("Record", mock.Anything).Return(nil)

	event := env.dropFile(t, "inventory.txt", inventoryContent)
	results := run(env.coordinator, event, event)

	// One worker wins the claim; the duplicate event dissolves without a
	// terminal outcome.
	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)

	env.assertStage(t, lifecycle.StageProcessed, "inventory.txt")
	env.ledger.AssertNumberOfCalls(t, "Record", 1)
	env.sink.AssertNumberOfCalls(t, "Upload", 1)
}

func TestProcessNotReadyEventIsReportedWithoutMoves(t *testing.T) {
	env := newPipelineEnv(t, 1, false)

	missing := filepath.Join(env.mgr.StageDir(lifecycle.StageIncoming), "slow.txt")
	event := models.FileEvent{
		Path:   missing,
		Format: "inbound_inventory",
		Err:    models.NewFileError(models.ErrTransientReadiness, missing, "file not readable within timeout", nil),
	}

	results := run(env.coordinator, event)

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeFailed, results[0].Outcome)
	require.NotNil(t, results[0].Err)
	assert.Equal(t, models.ErrTransientReadiness, results[0].Err.Class)

	// No claim, no ledger entry: the next sweep retries the file.
	env.ledger.AssertNotCalled(t, "IsProcessed", mock.Anything)
	env.ledger.AssertNotCalled(t, "Record", mock.Anything)
}

// cancelAwareSink fails the way a real database client does when handed a
// cancelled context.
type cancelAwareSink struct{}

func (cancelAwareSink) Upload(ctx context.Context, rows *models.RowSet, table string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(rows.Len()), nil
}

type cancelAwareLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
}

func (l *cancelAwareLedger) IsProcessed(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (l *cancelAwareLedger) Record(ctx context.Context, entry models.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *cancelAwareLedger) LastStatus(ctx context.Context, format, filename string) (*models.LedgerEntry, error) {
	return nil, nil
}

func TestRunFinishesInFlightFilesAfterShutdownSignal(t *testing.T) {
	mgr := lifecycle.NewManager(t.TempDir())
	require.NoError(t, mgr.EnsureStages())

	ldg := &cancelAwareLedger{}
	c := NewCoordinator(ldg, cancelAwareSink{}, new(MockNotifier),
		map[string]*lifecycle.Manager{"inbound_inventory": mgr}, 1, false)

	path := filepath.Join(mgr.StageDir(lifecycle.StageIncoming), "inventory.txt")
	require.NoError(t, os.WriteFile(path, []byte(inventoryContent), 0o644))

	// The shutdown signal lands before the queued event is picked up. The
	// file must still reach processed with a recorded success, not a
	// manufactured rejection from the dying context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := runCtx(ctx, c, models.FileEvent{Path: path, Format: "inbound_inventory", Live: true})

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)

	_, err := os.Stat(filepath.Join(mgr.StageDir(lifecycle.StageProcessed), "inventory.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(mgr.StageDir(lifecycle.StageRejected), "inventory.txt"))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, ldg.entries, 1)
	assert.Equal(t, models.OutcomeSuccess, ldg.entries[0].Outcome)
}

func TestBacklogEventsDoNotAlertPerFile(t *testing.T) {
	env := newPipelineEnv(t, 1, true)
	env.ledger.On("IsProcessed", mock.AnythingOfType("string")).Return(true, nil)
	env.ledger.On("Record", mock.Anything).Return(nil)

	// The daemon's startup sweep delivers backlog events with Live unset.
	event := env.dropFile(t, "inventory.txt", inventoryContent)
	event.Live = false

	results := run(env.coordinator, event)

	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeDuplicate, results[0].Outcome)
	// Backlog outcomes belong in the aggregate summary, never one email per
	// file.
	env.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestNotifySummary(t *testing.T) {
	env := newPipelineEnv(t, 1, false)

	t.Run("aggregates non-success outcomes into one email", func(t *testing.T) {
		env.notifier.On("Notify", "[Data Pipeline] Skipped/Failed/Rejection Summary", mock.MatchedBy(func(body string) bool {
			return strings.Contains(body, "a.txt [duplicate]") && strings.Contains(body, "b.txt [failed]")
		})).Return().Once()

		env.coordinator.NotifySummary([]models.FileResult{
			{Filename: "ok.txt", Outcome: models.OutcomeSuccess},
			{Filename: "a.txt", Outcome: models.OutcomeDuplicate, Message: "file content already processed"},
			{Filename: "b.txt", Outcome: models.OutcomeFailed, Message: "failed: upload failed"},
		})

		env.notifier.AssertNumberOfCalls(t, "Notify", 1)
	})

	t.Run("silent when everything succeeded", func(t *testing.T) {
		quiet := newPipelineEnv(t, 1, false)
		quiet.coordinator.NotifySummary([]models.FileResult{
			{Filename: "ok.txt", Outcome: models.OutcomeSuccess},
		})
		quiet.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	})
}
