// Package feedback stores label corrections for archived turns. A client that
// knows what the user actually did posts the true label after a turn; the
// corrections are kept next to the archive as training data.
//
// Corrections are stored as append-only JSON lines in a local file.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrMissingLabel is returned when a correction carries no label.
var ErrMissingLabel = errors.New("feedback: label is required")

// Record is a single correction.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	TurnID    string    `json:"turn_id"`

	// Predicted is the label the service returned, if the client kept it.
	Predicted string `json:"predicted,omitempty"`

	// Label is the true action.
	Label    string `json:"label"`
	Comments string `json:"comments,omitempty"`
}

// Store persists corrections.
type Store interface {
	SaveFeedback(ctx context.Context, rec Record) error
}

// FileStore persists feedback as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on the first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// SaveFeedback appends rec to the file. A zero Timestamp is set to now.
func (fs *FileStore) SaveFeedback(_ context.Context, rec Record) error {
	if rec.Label == "" {
		return ErrMissingLabel
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: write: %w", err)
	}
	return nil
}
