package domain

import "time"

// RawSubmission is the vendor payload as received: field keys vary by form
// version, values are strings, lists, or selection objects.
type RawSubmission map[string]any

// SubmissionID returns the vendor-assigned submission identifier, or "".
func (r RawSubmission) SubmissionID() string {
	if v, ok := r["submissionId"].(string); ok {
		return v
	}
	return ""
}

// WithSubmissionID returns a copy of the payload carrying the given id.
// Received payloads are immutable; the copy keeps it that way.
func (r RawSubmission) WithSubmissionID(id string) RawSubmission {
	out := make(RawSubmission, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out["submissionId"] = id
	return out
}

// Attachment is one file to attach to the remote task. Bytes may be empty
// when only a source locator is known; delivery downloads it then.
type Attachment struct {
	SourceLocator string `json:"source_locator,omitempty"`
	Bytes         []byte `json:"-"`
	Filename      string `json:"filename,omitempty"`
}

// SubtaskSpec describes one subtask to create under the remote task.
type SubtaskSpec struct {
	Name     string `json:"name"`
	Notes    string `json:"notes,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

// NormalizedSubmission is the canonical record the pipeline consumes.
// DueAt is always ReceivedAt plus the fixed due offset.
type NormalizedSubmission struct {
	SubmissionID string    `json:"submission_id"`
	Title        string    `json:"title"`
	JobReference string    `json:"job_reference,omitempty"`
	Assignee     string    `json:"assignee,omitempty"`
	Description  string    `json:"description,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
	// ReceivedAtResolved is true only when the vendor date field was present
	// and parsed; a fallback to processing time does not count.
	ReceivedAtResolved bool          `json:"received_at_resolved"`
	DueAt              time.Time     `json:"due_at"`
	Attachments        []Attachment  `json:"attachments,omitempty"`
	Subtasks           []SubtaskSpec `json:"subtasks,omitempty"`
}

// Submission is one inbox row: a raw payload waiting for (or done with)
// delivery.
type Submission struct {
	ID          string `json:"id"`
	ReceivedAt  string `json:"received_at" format:"date-time"`
	Source      string `json:"source"`
	RawJSON     string `json:"raw_json"`
	Processed   bool   `json:"processed"`
	ProcessedAt string `json:"processed_at,omitempty" format:"date-time"`
}

// LedgerEntry records that a submission produced a remote task.
type LedgerEntry struct {
	SubmissionID string `json:"submission_id"`
	TaskID       string `json:"task_id,omitempty"`
	MarkedAt     string `json:"marked_at" format:"date-time"`
}

// Event is one audit-log row.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	SubmissionID string `json:"submission_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Payload      string `json:"payload_json"`
}

// BatchSummary is what one driver run reports.
type BatchSummary struct {
	Processed      int            `json:"processed"`
	Duplicates     int            `json:"duplicates"`
	FailedAtCreate int            `json:"failed_at_create"`
	Partial        int            `json:"partial"`
	Failures       []BatchFailure `json:"failures,omitempty"`
}

// BatchFailure carries enough detail to act on without re-reading logs.
type BatchFailure struct {
	SubmissionID string `json:"submission_id"`
	Step         string `json:"step"`
	Detail       string `json:"detail"`
}
