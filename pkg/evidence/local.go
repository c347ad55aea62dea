package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Local appends records as JSON lines to one file per connection under a
// base directory.
type Local struct {
	baseDir string

	mu sync.Mutex
}

// NewLocal creates (if needed) baseDir and returns a filesystem-backed
// archive.
func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: create archive directory: %w", err)
	}
	return &Local{baseDir: baseDir}, nil
}

// Store appends rec to the connection's JSONL file.
func (l *Local) Store(_ context.Context, rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("evidence: marshal record: %w", err)
	}

	path := filepath.Join(l.baseDir, rec.ConnectionID+".jsonl")

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("evidence: open archive file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("evidence: append record: %w", err)
	}
	return nil
}

// Load reads back every record archived for connectionID, mostly for
// inspection tooling and tests.
func (l *Local) Load(connectionID string) ([]Record, error) {
	path := filepath.Join(l.baseDir, connectionID+".jsonl")

	l.mu.Lock()
	data, err := os.ReadFile(path)
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("evidence: read archive file: %w", err)
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("evidence: decode record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
