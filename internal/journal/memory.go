package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps recent entries in memory and appends each one to a
// JSON-lines file under the data directory, so history survives a daemon
// restart without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	dataFile string
	entries  []Entry
	limit    int
}

// NewMemoryStore builds a file-backed memory journal. Pass an empty dataDir
// to keep the journal purely in memory.
func NewMemoryStore(dataDir string, limit int) (*MemoryStore, error) {
	if limit <= 0 {
		limit = 1000
	}
	store := &MemoryStore{limit: limit}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		store.dataFile = filepath.Join(dataDir, "events.log")
		if err := store.restore(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Append records one entry, newest first in memory.
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open journal file: %w", err)
		}
		defer file.Close()
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode journal entry: %w", err)
		}
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("write journal entry: %w", err)
		}
	}

	m.entries = append([]Entry{entry}, m.entries...)
	if len(m.entries) > m.limit {
		m.entries = m.entries[:m.limit]
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, limit)
	copy(out, m.entries[:limit])
	return out, nil
}

// Close is a no-op for the memory journal.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) restore() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []Entry
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		restored = append([]Entry{entry}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal file: %w", err)
	}
	if len(restored) > m.limit {
		restored = restored[:m.limit]
	}
	m.entries = restored
	return nil
}
