package models

import (
	"fmt"
	"time"
)

// Row maps a canonical lower-snake-case column name to a typed scalar:
// string, float64, time.Time, or nil.
type Row map[string]any

// RowSet is a fully normalized result for one file. Columns carries the
// output order expected by the destination table.
type RowSet struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of data rows.
func (rs *RowSet) Len() int {
	return len(rs.Rows)
}

// FileEvent is emitted by the watcher, once per detected file, and consumed
// once by the coordinator.
type FileEvent struct {
	Path       string
	Format     string
	DetectedAt time.Time
	// Live marks an event detected by the filesystem watcher rather than a
	// backlog sweep. Only live events are eligible for per-file alerts.
	Live bool
	// Err is set when the watcher could not surface the file (for example a
	// readiness timeout); such events are reported, not processed.
	Err error
}

// Outcome is the terminal result of one processing attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "failed"
)

// LedgerEntry is one append-only idempotency record. Exactly one entry is
// written per terminal attempt, never per retry in flight.
type LedgerEntry struct {
	Fingerprint string
	Format      string
	Filename    string
	ReportDate  *time.Time
	RowCount    int
	Outcome     Outcome
	Message     string
	RecordedAt  time.Time
}

// ErrClass partitions per-file failures for operator triage. Every rejected
// file records exactly one class in its ledger message.
type ErrClass string

const (
	ErrStructural         ErrClass = "structural"
	ErrDuplicateContent   ErrClass = "duplicate"
	ErrTransientReadiness ErrClass = "not_ready"
	ErrSink               ErrClass = "sink"
	ErrLedgerWrite        ErrClass = "ledger_write"
)

// FileError is the typed per-file failure threaded through the coordinator,
// lifecycle manager, and ledger instead of an unwinding panic or lost error.
type FileError struct {
	Class   ErrClass
	Path    string
	Message string
	Err     error
}

func (e *FileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s - %v", e.Path, e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Path, e.Class, e.Message)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// NewFileError builds a FileError; err may be nil.
func NewFileError(class ErrClass, path, message string, err error) *FileError {
	return &FileError{Class: class, Path: path, Message: message, Err: err}
}

// FileResult is the terminal record of one file's run, used for status logs
// and for the aggregate notification at the end of a sweep.
type FileResult struct {
	Path     string
	Filename string
	Format   string
	Outcome  Outcome
	RowCount int
	Message  string
	Err      *FileError
}
