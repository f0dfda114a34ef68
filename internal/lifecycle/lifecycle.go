// Package lifecycle moves files between stage directories. A file is in
// exactly one stage directory at any observable instant; every move is a
// single atomic rename.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stage is a file's lifecycle position, represented by the directory it
// lives in.
type Stage string

const (
	StageIncoming   Stage = "incoming"
	StageProcessing Stage = "processing"
	StageProcessed  Stage = "processed"
	StageRejected   Stage = "rejected"
	StageArchived   Stage = "archived"
)

// ErrAlreadyClaimed is returned when a claim loses the race for a file:
// another worker's rename already removed it from incoming.
var ErrAlreadyClaimed = errors.New("file already claimed by another worker")

// Manager relocates files between one format's stage directories.
type Manager struct {
	root string
}

// NewManager returns a manager rooted at the directory holding the stage
// folders for one format.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// StageDir returns the directory backing a stage.
func (m *Manager) StageDir(stage Stage) string {
	return filepath.Join(m.root, string(stage))
}

// EnsureStages creates the stage directories that the pipeline moves files
// into. incoming is created too so a fresh deployment can be watched
// immediately.
func (m *Manager) EnsureStages() error {
	for _, stage := range []Stage{StageIncoming, StageProcessing, StageProcessed, StageRejected} {
		if err := os.MkdirAll(m.StageDir(stage), 0o755); err != nil {
			return fmt.Errorf("failed to create stage directory %s: %w", m.StageDir(stage), err)
		}
	}
	return nil
}

// Claim moves a file into processing before any parsing starts. The rename
// is the mutual-exclusion point: a concurrently racing duplicate event finds
// the source gone and gets ErrAlreadyClaimed.
func (m *Manager) Claim(path string) (string, error) {
	dest, err := m.move(path, StageProcessing)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrAlreadyClaimed
		}
		return "", err
	}
	return dest, nil
}

// Transition relocates a file into a terminal stage directory. When the
// destination already holds a file of the same name the new file gets a
// timestamp suffix; collisions never overwrite.
func (m *Manager) Transition(path string, stage Stage) (string, error) {
	dest, err := m.move(path, stage)
	if err != nil {
		return "", fmt.Errorf("failed to move %s to %s: %w", path, stage, err)
	}
	return dest, nil
}

func (m *Manager) move(path string, stage Stage) (string, error) {
	dir := m.StageDir(stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		dest = timestampedPath(dir, filepath.Base(path))
	}

	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func timestampedPath(dir, filename string) string {
	ext := filepath.Ext(filename)
	name := filename[:len(filename)-len(ext)]
	stamp := time.Now().Format("20060102150405")

	candidate := filepath.Join(dir, fmt.Sprintf("%s_%s%s", name, stamp, ext))
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", name, stamp, i, ext))
	}
}
