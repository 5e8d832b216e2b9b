package ledger

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"fieldrelay/internal/domain"
	"fieldrelay/internal/repo"
)

// Ledger answers "did this submission already produce a task?" and
// records new completions. Entries are never removed. A failing read
// degrades to "not processed": the pipeline favors at-least-once
// delivery over stopping the batch, so duplicates are possible when the
// store is unhealthy.
type Ledger interface {
	IsProcessed(ctx context.Context, submissionID string) (bool, error)
	MarkProcessed(ctx context.Context, submissionID, taskID string) error
}

// Store is the SQLite-backed ledger.
type Store struct {
	Repo repo.Repo
	Now  func() time.Time
	Log  *log.Logger
}

func NewStore(r repo.Repo, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{Repo: r, Now: time.Now, Log: logger}
}

func (s *Store) IsProcessed(ctx context.Context, submissionID string) (bool, error) {
	done, err := s.Repo.LedgerContains(ctx, submissionID)
	if err != nil {
		s.Log.Warn("ledger read failed, treating submission as unprocessed", "submission_id", submissionID, "error", err)
		return false, nil
	}
	return done, nil
}

func (s *Store) MarkProcessed(ctx context.Context, submissionID, taskID string) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	entry := domain.LedgerEntry{
		SubmissionID: submissionID,
		TaskID:       taskID,
		MarkedAt:     s.Now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.LedgerMarkTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}
