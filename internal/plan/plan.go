package plan

import (
	"fmt"

	"fieldrelay/internal/domain"
)

// DateLayout is the remote service's expected date representation.
const DateLayout = "01/02/2006"

// Builder maps a normalized submission onto the primitive remote
// operations needed to realize it. Build is deterministic: the same
// input always yields a structurally equal Plan.
type Builder struct {
	ProjectID         string
	JobReferenceField string
	ReceivedDateField string
}

// Plan is the ordered operation sequence for one submission. Create is
// always present and always first; the dependent operations follow in
// fixed order fields, attachments, subtasks.
type Plan struct {
	SubmissionID string
	Create       CreateTask
	Fields       *SetCustomFields
	Attachments  []UploadAttachment
	Subtasks     []CreateSubtask
}

// CreateTask creates the primary remote task. Notes stays empty; the
// description travels through the rich-text body instead.
type CreateTask struct {
	Name         string
	Notes        string
	RichTextBody string
	DueDate      string
	ProjectID    string
}

// FieldValue is one custom-field assignment, addressed by the field's
// human-readable name. Names are the only portable handle: identifiers
// are project-specific on the remote side.
type FieldValue struct {
	Name  string
	Value string
}

type SetCustomFields struct {
	Values []FieldValue
}

type UploadAttachment struct {
	SourceLocator string
	Bytes         []byte
	Filename      string
	MimeType      string
}

type CreateSubtask struct {
	Name  string
	Notes string
}

// Build derives the operation plan for n.
func (b Builder) Build(n domain.NormalizedSubmission) Plan {
	p := Plan{
		SubmissionID: n.SubmissionID,
		Create: CreateTask{
			Name:         n.Title,
			Notes:        "",
			RichTextBody: n.Description,
			DueDate:      n.DueAt.Format(DateLayout),
			ProjectID:    b.ProjectID,
		},
	}

	var values []FieldValue
	if n.JobReference != "" {
		values = append(values, FieldValue{Name: b.JobReferenceField, Value: n.JobReference})
	}
	if n.ReceivedAtResolved {
		values = append(values, FieldValue{Name: b.ReceivedDateField, Value: n.ReceivedAt.Format(DateLayout)})
	}
	if len(values) > 0 {
		p.Fields = &SetCustomFields{Values: values}
	}

	for i, att := range n.Attachments {
		name := att.Filename
		if name == "" {
			name = fmt.Sprintf("image_%d.jpg", i)
		}
		p.Attachments = append(p.Attachments, UploadAttachment{
			SourceLocator: att.SourceLocator,
			Bytes:         att.Bytes,
			Filename:      name,
			MimeType:      "image/jpeg",
		})
	}

	for _, st := range n.Subtasks {
		p.Subtasks = append(p.Subtasks, CreateSubtask{
			Name:  st.Name,
			Notes: "Assignee: " + st.Assignee,
		})
	}
	return p
}
