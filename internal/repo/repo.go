package repo

import (
	"context"
	"database/sql"
	"errors"

	"fieldrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// InsertSubmission stores a raw payload in the inbox. Re-delivery of the
// same submission id is a no-op; reports whether a row was written.
func (r Repo) InsertSubmission(ctx context.Context, s domain.Submission) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO submissions(id,received_at,source,raw_json,processed) VALUES (?,?,?,?,0)
		 ON CONFLICT(id) DO NOTHING`,
		s.ID, s.ReceivedAt, s.Source, s.RawJSON)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	var s domain.Submission
	var processed int
	var processedAt sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,received_at,source,raw_json,processed,processed_at FROM submissions WHERE id=?`, id).
		Scan(&s.ID, &s.ReceivedAt, &s.Source, &s.RawJSON, &processed, &processedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Processed = processed != 0
	if processedAt.Valid {
		s.ProcessedAt = processedAt.String
	}
	return s, nil
}

// PendingSubmissions returns unprocessed inbox rows in arrival order.
func (r Repo) PendingSubmissions(ctx context.Context, limit int) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,received_at,source,raw_json FROM submissions WHERE processed=0 ORDER BY received_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.ID, &s.ReceivedAt, &s.Source, &s.RawJSON); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) MarkSubmissionProcessedTx(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE submissions SET processed=1, processed_at=? WHERE id=?`, ts, id)
	return err
}

// MarkSubmissionsProcessed flags inbox rows in bulk (operator endpoint).
func (r Repo) MarkSubmissionsProcessed(ctx context.Context, ids []string, ts string) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	updated := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE submissions SET processed=1, processed_at=? WHERE id=? AND processed=0`, ts, id)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	return updated, tx.Commit()
}

func (r Repo) LedgerContains(ctx context.Context, submissionID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM ledger WHERE submission_id=?`, submissionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LedgerMarkTx appends an entry. Marking twice is harmless.
func (r Repo) LedgerMarkTx(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger(submission_id,task_id,marked_at) VALUES (?,?,?)
		 ON CONFLICT(submission_id) DO NOTHING`,
		e.SubmissionID, nullable(e.TaskID), e.MarkedAt)
	return err
}

func (r Repo) LedgerAll(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT submission_id,COALESCE(task_id,''),marked_at FROM ledger ORDER BY marked_at, submission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.SubmissionID, &e.TaskID, &e.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LedgerCount(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM ledger`).Scan(&n)
	return n, err
}

// RecentEvents returns the newest audit-log rows, newest first.
func (r Repo) RecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(submission_id,''),COALESCE(task_id,''),payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SubmissionID, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
