package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"fieldrelay/internal/config"
	"fieldrelay/internal/deliver"
	"fieldrelay/internal/domain"
	"fieldrelay/internal/events"
	"fieldrelay/internal/ledger"
	"fieldrelay/internal/normalize"
	"fieldrelay/internal/plan"
	"fieldrelay/internal/remote"
	"fieldrelay/internal/repo"
)

// ErrMissingSubmissionID means the payload carried no vendor submission
// id and the caller did not assign a local one.
var ErrMissingSubmissionID = errors.New("submission id is required")

type Status string

const (
	StatusProcessed      Status = "processed"
	StatusPartial        Status = "partial"
	StatusDuplicate      Status = "duplicate"
	StatusFailedAtCreate Status = "failed_at_create"
)

// Outcome is the result of pushing one submission through the pipeline.
type Outcome struct {
	SubmissionID string         `json:"submission_id"`
	Status       Status         `json:"status"`
	Delivery     deliver.Result `json:"delivery"`
}

// Pipeline wires normalizer, builder, orchestrator, and ledger into the
// submission-to-task flow. Repo is optional: when present, inbox rows
// are flagged and audit events written as submissions complete.
type Pipeline struct {
	Normalizer   normalize.Normalizer
	Builder      plan.Builder
	Orchestrator deliver.Orchestrator
	Ledger       ledger.Ledger
	Repo         *repo.Repo
	Events       *events.Writer
	Log          *log.Logger
	Now          func() time.Time
}

// New assembles a pipeline from config and collaborators.
func New(cfg *config.Config, api deliver.TaskService, led ledger.Ledger, logger *log.Logger) Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	n := normalize.New(cfg.Mapping)
	n.Log = logger
	return Pipeline{
		Normalizer: n,
		Builder: plan.Builder{
			ProjectID:         cfg.Remote.ProjectID,
			JobReferenceField: cfg.Remote.CustomFields.JobReference,
			ReceivedDateField: cfg.Remote.CustomFields.ReceivedDate,
		},
		Orchestrator: deliver.New(api, logger),
		Ledger:       led,
		Log:          logger,
		Now:          time.Now,
	}
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// ProcessOne runs the full flow for a single raw submission. The ledger
// is consulted first and updated on any outcome where the remote task
// exists, PARTIAL included; only FAILED_AT_CREATE leaves the submission
// unmarked so a later run retries it. The returned error is non-nil only
// when no task was created.
func (p Pipeline) ProcessOne(ctx context.Context, raw domain.RawSubmission) (Outcome, error) {
	id := raw.SubmissionID()
	if id == "" {
		return Outcome{}, ErrMissingSubmissionID
	}
	if done, _ := p.Ledger.IsProcessed(ctx, id); done {
		p.Log.Info("submission already processed, skipping", "submission_id", id)
		p.settle(ctx, id, "", "submission.duplicate", nil)
		return Outcome{SubmissionID: id, Status: StatusDuplicate}, nil
	}

	n := p.Normalizer.Normalize(raw)
	pl := p.Builder.Build(n)
	res, err := p.Orchestrator.Deliver(ctx, pl)
	if err != nil {
		p.audit(ctx, id, "", "delivery.failed", events.Payload{"error": err.Error()})
		return Outcome{SubmissionID: id, Status: StatusFailedAtCreate, Delivery: res}, err
	}

	// Task exists. Mark first, then flag the inbox row; if the mark fails
	// here a later run may deliver a duplicate task — the documented
	// at-least-once tradeoff.
	if err := p.Ledger.MarkProcessed(ctx, id, res.TaskID); err != nil {
		p.Log.Error("ledger update failed; this submission may be delivered again",
			"submission_id", id, "task_id", res.TaskID, "error", err)
	}
	payload := events.Payload{"task_id": res.TaskID, "state": string(res.State)}
	if res.State == deliver.StatePartial {
		payload["failed_steps"] = failedSteps(res)
		p.settle(ctx, id, res.TaskID, "delivery.partial", payload)
		return Outcome{SubmissionID: id, Status: StatusPartial, Delivery: res}, nil
	}
	p.settle(ctx, id, res.TaskID, "task.created", payload)
	return Outcome{SubmissionID: id, Status: StatusProcessed, Delivery: res}, nil
}

// RunBatch feeds submissions through ProcessOne in source order. A
// payload without a vendor id gets a generated local one (file and
// manual sources have none). Fatal configuration errors abort the run;
// everything else is counted and the batch continues. The run can be
// interrupted between submissions via ctx without corrupting the ledger.
func (p Pipeline) RunBatch(ctx context.Context, subs []domain.RawSubmission) (domain.BatchSummary, error) {
	var sum domain.BatchSummary
	for _, raw := range subs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if raw.SubmissionID() == "" {
			raw = raw.WithSubmissionID("local-" + uuid.NewString())
		}
		out, err := p.ProcessOne(ctx, raw)
		switch {
		case err != nil:
			sum.FailedAtCreate++
			sum.Failures = append(sum.Failures, domain.BatchFailure{
				SubmissionID: out.SubmissionID,
				Step:         string(deliver.StepCreateTask),
				Detail:       err.Error(),
			})
			if remote.IsFatalConfig(err) {
				p.Log.Error("fatal configuration error, aborting batch", "error", err)
				return sum, err
			}
		case out.Status == StatusDuplicate:
			sum.Duplicates++
		case out.Status == StatusPartial:
			sum.Processed++
			sum.Partial++
			for _, step := range out.Delivery.Steps {
				if !step.OK {
					sum.Failures = append(sum.Failures, domain.BatchFailure{
						SubmissionID: out.SubmissionID,
						Step:         string(step.Kind),
						Detail:       step.Detail,
					})
				}
			}
		default:
			sum.Processed++
		}
	}
	p.auditBatch(ctx, sum)
	return sum, nil
}

// RunPending drains the inbox: unprocessed stored submissions, oldest
// first. Requires the repo.
func (p Pipeline) RunPending(ctx context.Context, limit int) (domain.BatchSummary, error) {
	if p.Repo == nil {
		return domain.BatchSummary{}, errors.New("no submission store configured")
	}
	if limit <= 0 {
		limit = 100
	}
	pending, err := p.Repo.PendingSubmissions(ctx, limit)
	if err != nil {
		return domain.BatchSummary{}, err
	}
	var subs []domain.RawSubmission
	var sum domain.BatchSummary
	for _, s := range pending {
		var raw domain.RawSubmission
		if err := json.Unmarshal([]byte(s.RawJSON), &raw); err != nil {
			p.Log.Error("stored submission is not valid json, skipping", "submission_id", s.ID, "error", err)
			sum.Failures = append(sum.Failures, domain.BatchFailure{SubmissionID: s.ID, Step: "decode", Detail: err.Error()})
			continue
		}
		if raw.SubmissionID() == "" {
			raw = raw.WithSubmissionID(s.ID)
		}
		subs = append(subs, raw)
	}
	batchSum, err := p.RunBatch(ctx, subs)
	batchSum.Failures = append(sum.Failures, batchSum.Failures...)
	return batchSum, err
}

func failedSteps(res deliver.Result) []string {
	var kinds []string
	for _, s := range res.Steps {
		if !s.OK {
			kinds = append(kinds, string(s.Kind))
		}
	}
	return kinds
}

// settle flags the inbox row and appends the audit event in one
// transaction. Best effort: the remote side effects already happened.
func (p Pipeline) settle(ctx context.Context, submissionID, taskID, evtType string, payload events.Payload) {
	if p.Repo == nil {
		return
	}
	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		p.Log.Error("inbox update failed", "submission_id", submissionID, "error", err)
		return
	}
	defer tx.Rollback()
	ts := p.now().UTC().Format(time.RFC3339)
	if err := p.Repo.MarkSubmissionProcessedTx(ctx, tx, submissionID, ts); err != nil {
		p.Log.Error("inbox update failed", "submission_id", submissionID, "error", err)
		return
	}
	if p.Events != nil {
		if err := p.Events.Append(ctx, tx, evtType, submissionID, taskID, payload); err != nil {
			p.Log.Error("event append failed", "submission_id", submissionID, "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		p.Log.Error("inbox update failed", "submission_id", submissionID, "error", err)
	}
}

// RecordReceipt notes a newly stored submission in the audit log.
func (p Pipeline) RecordReceipt(ctx context.Context, submissionID, source string) {
	p.audit(ctx, submissionID, "", "submission.received", events.Payload{"source": source})
}

// audit appends an event without touching the inbox row (the submission
// stays pending for retry).
func (p Pipeline) audit(ctx context.Context, submissionID, taskID, evtType string, payload events.Payload) {
	if p.Repo == nil || p.Events == nil {
		return
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		return p.Events.Append(ctx, tx, evtType, submissionID, taskID, payload)
	})
	if err != nil {
		p.Log.Error("event append failed", "submission_id", submissionID, "error", err)
	}
}

func (p Pipeline) auditBatch(ctx context.Context, sum domain.BatchSummary) {
	if p.Repo == nil || p.Events == nil {
		return
	}
	if sum.Processed == 0 && sum.Duplicates == 0 && sum.FailedAtCreate == 0 {
		return
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		return p.Events.Append(ctx, tx, "batch.completed", "", "", events.Payload{
			"processed":        sum.Processed,
			"duplicates":       sum.Duplicates,
			"failed_at_create": sum.FailedAtCreate,
			"partial":          sum.Partial,
		})
	})
	if err != nil {
		p.Log.Error("event append failed", "error", err)
	}
}

func (p Pipeline) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
