package normalize

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"fieldrelay/internal/config"
	"fieldrelay/internal/domain"
)

// DueOffset is the fixed distance between the received timestamp and the
// task due date.
const DueOffset = 5 * 24 * time.Hour

// FallbackTitle is used when the mapped title field is absent or empty.
const FallbackTitle = "Unknown Address"

// Normalizer turns a raw vendor payload into a canonical submission.
// It never fails: absent fields become typed defaults and malformed
// dates fall back to the current processing time.
type Normalizer struct {
	Mapping config.Mapping
	Now     func() time.Time
	Log     *log.Logger
}

func New(m config.Mapping) Normalizer {
	return Normalizer{Mapping: m, Now: time.Now}
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Normalize maps raw onto a NormalizedSubmission using the mapping table.
func (n Normalizer) Normalize(raw domain.RawSubmission) domain.NormalizedSubmission {
	out := domain.NormalizedSubmission{
		SubmissionID: raw.SubmissionID(),
		Title:        SelectionString(raw[n.Mapping.Title]),
		JobReference: SelectionString(raw[n.Mapping.JobReference]),
		Assignee:     SelectionString(raw[n.Mapping.Assignee]),
	}
	if out.Title == "" {
		out.Title = FallbackTitle
	}
	for _, key := range n.Mapping.Description {
		if s := SelectionString(raw[key]); s != "" {
			out.Description = s
			break
		}
	}
	out.ReceivedAt, out.ReceivedAtResolved = n.parseReceived(raw[n.Mapping.ReceivedAt])
	out.DueAt = out.ReceivedAt.Add(DueOffset)

	if name := SelectionString(raw[n.Mapping.SubtaskName]); name != "" {
		out.Subtasks = append(out.Subtasks, domain.SubtaskSpec{
			Name:     name,
			Assignee: SelectionString(raw[n.Mapping.SubtaskAssignee]),
		})
	}
	out.Attachments = n.attachments(raw)
	return out
}

// parseReceived parses the vendor timestamp. RFC 3339 first (a trailing Z
// is a UTC offset), then offset-less ISO forms. Any failure falls back to
// the current processing time and is logged, never raised.
func (n Normalizer) parseReceived(v any) (time.Time, bool) {
	s := SelectionString(v)
	if s == "" {
		return n.now(), false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	if n.Log != nil {
		n.Log.Warn("unparsable received date, using processing time", "value", s)
	}
	return n.now(), false
}

// SelectionString resolves every vendor field shape to a scalar: selection
// objects and lists yield their first element, anything else is coerced to
// a string. Total by construction; an empty sequence is the empty string.
func SelectionString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		if len(t) > 0 {
			return t[0]
		}
		return ""
	case []any:
		if len(t) > 0 {
			return SelectionString(t[0])
		}
		return ""
	case map[string]any:
		if vals, ok := t["selectedValues"]; ok {
			return SelectionString(vals)
		}
		if names, ok := t["selectedNames"]; ok {
			return SelectionString(names)
		}
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func (n Normalizer) attachments(raw domain.RawSubmission) []domain.Attachment {
	var out []domain.Attachment
	for _, key := range n.Mapping.Attachments {
		list, ok := raw[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			switch t := item.(type) {
			case string:
				if t != "" {
					out = append(out, domain.Attachment{SourceLocator: t})
				}
			case map[string]any:
				att := domain.Attachment{}
				if s, ok := t["url"].(string); ok && s != "" {
					att.SourceLocator = s
				} else if s, ok := t["src"].(string); ok {
					att.SourceLocator = s
				}
				if s, ok := t["filename"].(string); ok {
					att.Filename = s
				}
				if s, ok := t["data"].(string); ok && s != "" {
					if b, err := base64.StdEncoding.DecodeString(s); err == nil {
						att.Bytes = b
					} else if n.Log != nil {
						n.Log.Warn("attachment data is not valid base64, keeping locator only", "key", key)
					}
				}
				if att.SourceLocator != "" || len(att.Bytes) > 0 {
					out = append(out, att)
				}
			}
		}
	}
	return out
}
