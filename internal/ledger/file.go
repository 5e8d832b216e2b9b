package ledger

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// FileLedger persists processed submission ids as a JSON array, the
// format the webhook deployments used before the SQLite store existed.
// Useful for file-driven batch runs with no database around.
type FileLedger struct {
	path string
	log  *log.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// OpenFile loads the ledger at path. A missing or corrupt file is an
// empty ledger, not an error.
func OpenFile(path string, logger *log.Logger) *FileLedger {
	if logger == nil {
		logger = log.Default()
	}
	l := &FileLedger{path: path, log: logger, seen: make(map[string]struct{})}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("ledger file unreadable, starting empty", "path", path, "error", err)
		}
		return l
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		logger.Warn("ledger file corrupt, starting empty", "path", path, "error", err)
		return l
	}
	for _, id := range ids {
		if _, ok := l.seen[id]; ok {
			continue
		}
		l.seen[id] = struct{}{}
		l.order = append(l.order, id)
	}
	return l
}

func (l *FileLedger) IsProcessed(_ context.Context, submissionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[submissionID]
	return ok, nil
}

// MarkProcessed records the id and rewrites the file. Marking twice is
// harmless; the task id is not part of the file format.
func (l *FileLedger) MarkProcessed(_ context.Context, submissionID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[submissionID]; ok {
		return nil
	}
	l.seen[submissionID] = struct{}{}
	l.order = append(l.order, submissionID)
	return l.persistLocked()
}

func (l *FileLedger) persistLocked() error {
	data, err := json.MarshalIndent(l.order, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o644)
}

// Len reports how many submissions are recorded.
func (l *FileLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
