package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileWriter appends chained events to a JSONL file and syncs after each one.
// Reopening an existing trail continues its chain.
type FileWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
	last string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending, creating it with mode 0600.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	last, err := lastHash(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to resume audit log %s: %w", path, err)
	}
	// Appends land at the end regardless of the read offset.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to resume audit log %s: %w", path, err)
	}
	return &FileWriter{path: path, file: f, enc: json.NewEncoder(f), last: last}, nil
}

// Write chains event to the trail and persists it.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("audit log %s is closed", w.path)
	}
	if err := event.link(w.last); err != nil {
		return err
	}
	if err := w.enc.Encode(event); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	w.last = event.Hash
	return nil
}

// Close syncs and closes the file. Later calls are no-ops.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LastHash returns the hash of the last event in the trail.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Path returns the file path of the audit log.
func (w *FileWriter) Path() string {
	return w.path
}

// VerifyChain verifies the hash chain of the audit log at path and returns
// the number of valid events.
func VerifyChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return VerifyEvents(f)
}
