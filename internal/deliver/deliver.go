package deliver

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"

	"fieldrelay/internal/plan"
	"fieldrelay/internal/remote"
)

// State is where a submission's delivery ended up.
type State string

const (
	StatePending         State = "PENDING"
	StateTaskCreated     State = "TASK_CREATED"
	StateFieldsUpdated   State = "FIELDS_UPDATED"
	StateAttachmentsDone State = "ATTACHMENTS_DONE"
	StateSubtasksDone    State = "SUBTASKS_DONE"
	StateComplete        State = "COMPLETE"

	// StateFailedAtCreate means no task exists; the submission stays
	// unprocessed and is retried on a later run.
	StateFailedAtCreate State = "FAILED_AT_CREATE"
	// StatePartial means the task exists but at least one dependent step
	// failed. The submission still counts as delivered; failures are in
	// the step outcomes for operator review, never retried automatically.
	StatePartial State = "PARTIAL"
)

type StepKind string

const (
	StepCreateTask       StepKind = "create_task"
	StepSetCustomFields  StepKind = "set_custom_fields"
	StepUploadAttachment StepKind = "upload_attachment"
	StepCreateSubtask    StepKind = "create_subtask"
)

// StepOutcome is one executed operation's result.
type StepOutcome struct {
	Kind   StepKind `json:"kind"`
	Ref    string   `json:"ref,omitempty"`
	OK     bool     `json:"ok"`
	Detail string   `json:"detail,omitempty"`
}

// Result reports one delivery.
type Result struct {
	TaskID string        `json:"task_id,omitempty"`
	State  State         `json:"state"`
	Steps  []StepOutcome `json:"steps"`
}

// TaskService is the slice of the remote API the orchestrator needs.
type TaskService interface {
	CreateTask(ctx context.Context, op plan.CreateTask) (string, error)
	CustomFieldDefs(ctx context.Context, taskID string) ([]remote.CustomField, error)
	SetCustomFields(ctx context.Context, taskID string, values map[string]string) error
	AttachFile(ctx context.Context, taskID, filename string, data []byte, mimeType string) error
	CreateSubtask(ctx context.Context, parentID string, op plan.CreateSubtask) (string, error)
	FetchAttachment(ctx context.Context, locator string) ([]byte, error)
}

// Orchestrator executes plans against the remote service. CreateTask must
// succeed before anything else runs; the dependent steps then execute in
// fixed order, each independently fault tolerant.
type Orchestrator struct {
	API TaskService
	Log *log.Logger
}

func New(api TaskService, logger *log.Logger) Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return Orchestrator{API: api, Log: logger}
}

// Deliver runs p. The returned error is non-nil only when the primary
// task could not be created; dependent-step failures are reported in the
// result, not as errors.
func (o Orchestrator) Deliver(ctx context.Context, p plan.Plan) (Result, error) {
	res := Result{State: StatePending}

	taskID, err := o.API.CreateTask(ctx, p.Create)
	if err != nil {
		res.State = StateFailedAtCreate
		res.Steps = append(res.Steps, StepOutcome{Kind: StepCreateTask, Ref: p.Create.Name, Detail: err.Error()})
		o.Log.Error("task creation failed", "submission_id", p.SubmissionID, "error", err)
		return res, err
	}
	res.TaskID = taskID
	res.State = StateTaskCreated
	res.Steps = append(res.Steps, StepOutcome{Kind: StepCreateTask, Ref: p.Create.Name, OK: true})
	o.Log.Info("task created", "submission_id", p.SubmissionID, "task_id", taskID)

	degraded := false

	if p.Fields != nil {
		outcome := o.setCustomFields(ctx, taskID, p.Fields)
		res.Steps = append(res.Steps, outcome)
		degraded = degraded || !outcome.OK
	}
	res.State = StateFieldsUpdated

	for _, att := range p.Attachments {
		outcome := o.uploadAttachment(ctx, taskID, att)
		res.Steps = append(res.Steps, outcome)
		degraded = degraded || !outcome.OK
	}
	res.State = StateAttachmentsDone

	for _, st := range p.Subtasks {
		outcome := StepOutcome{Kind: StepCreateSubtask, Ref: st.Name, OK: true}
		if _, err := o.API.CreateSubtask(ctx, taskID, st); err != nil {
			outcome.OK = false
			outcome.Detail = err.Error()
			o.Log.Error("subtask creation failed", "task_id", taskID, "subtask", st.Name, "error", err)
		}
		res.Steps = append(res.Steps, outcome)
		degraded = degraded || !outcome.OK
	}
	res.State = StateSubtasksDone

	if degraded {
		res.State = StatePartial
	} else {
		res.State = StateComplete
	}
	return res, nil
}

// setCustomFields resolves the plan's field names against the task's
// current definitions and writes the matches. An unmatched name is a
// known limitation of name-based lookup: logged and noted, not a failure.
func (o Orchestrator) setCustomFields(ctx context.Context, taskID string, fields *plan.SetCustomFields) StepOutcome {
	outcome := StepOutcome{Kind: StepSetCustomFields, OK: true}
	defs, err := o.API.CustomFieldDefs(ctx, taskID)
	if err != nil {
		outcome.OK = false
		outcome.Detail = err.Error()
		o.Log.Error("custom field lookup failed", "task_id", taskID, "error", err)
		return outcome
	}
	byName := make(map[string]string, len(defs))
	for _, def := range defs {
		byName[def.Name] = def.ID
	}
	updates := make(map[string]string)
	var unmatched []string
	for _, fv := range fields.Values {
		id, ok := byName[fv.Name]
		if !ok {
			unmatched = append(unmatched, fv.Name)
			continue
		}
		updates[id] = fv.Value
	}
	if len(unmatched) > 0 {
		outcome.Detail = "no such custom field: " + strings.Join(unmatched, ", ")
		o.Log.Warn("custom fields missing on task", "task_id", taskID, "fields", strings.Join(unmatched, ","))
	}
	if len(updates) == 0 {
		return outcome
	}
	if err := o.API.SetCustomFields(ctx, taskID, updates); err != nil {
		outcome.OK = false
		outcome.Detail = err.Error()
		o.Log.Error("custom field update failed", "task_id", taskID, "error", err)
	}
	return outcome
}

func (o Orchestrator) uploadAttachment(ctx context.Context, taskID string, att plan.UploadAttachment) StepOutcome {
	outcome := StepOutcome{Kind: StepUploadAttachment, Ref: att.Filename, OK: true}
	data := att.Bytes
	if len(data) == 0 && att.SourceLocator != "" {
		fetched, err := o.API.FetchAttachment(ctx, att.SourceLocator)
		if err != nil {
			outcome.OK = false
			outcome.Detail = err.Error()
			o.Log.Error("attachment download failed", "task_id", taskID, "locator", att.SourceLocator, "error", err)
			return outcome
		}
		data = fetched
	}
	if len(data) == 0 {
		outcome.OK = false
		outcome.Detail = "attachment has no bytes and no source locator"
		return outcome
	}
	if err := o.API.AttachFile(ctx, taskID, att.Filename, data, att.MimeType); err != nil {
		outcome.OK = false
		outcome.Detail = err.Error()
		o.Log.Error("attachment upload failed", "task_id", taskID, "filename", att.Filename, "error", err)
	}
	return outcome
}
