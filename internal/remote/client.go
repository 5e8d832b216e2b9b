package remote

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"

	"fieldrelay/internal/plan"
)

const defaultTimeout = 30 * time.Second

// Config for the task-service API client.
type Config struct {
	BaseURL   string
	Token     string
	ProjectID string
	Timeout   time.Duration
	Log       *log.Logger
}

// Client talks to the remote task service. All API calls carry the
// bearer credential and a bounded timeout; transient statuses are
// retried a few times before the typed error surfaces. Attachment
// downloads go through a separate uncredentialed client: locators point
// at third-party hosts (the vendor CDN), which must never see the
// task-service credential.
type Client struct {
	http      *resty.Client
	files     *resty.Client
	projectID string
	log       *log.Logger
}

// CustomField is one custom-field definition visible on a task.
type CustomField struct {
	ID   string `json:"gid"`
	Name string `json:"name"`
}

// NewClient validates credentials are present and builds the client.
// Missing token or project is a configuration error, not a per-call one.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("remote token is required (config remote.token or FIELDRELAY_REMOTE_TOKEN)")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("remote project id is required (config remote.project_id)")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.Default()
	}
	retryable := func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		if r == nil {
			return false
		}
		code := r.StatusCode()
		return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	}
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.Token).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(retryable)
	files := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(retryable)
	return &Client{http: httpc, files: files, projectID: cfg.ProjectID, log: logger}, nil
}

type taskEnvelope struct {
	Data struct {
		GID          string        `json:"gid"`
		Name         string        `json:"name"`
		CustomFields []CustomField `json:"custom_fields"`
	} `json:"data"`
}

// CreateTask creates the primary task and returns its remote id. The
// rich-text body is sent as escaped HTML notes; plain notes stay as
// given (empty for primary tasks).
func (c *Client) CreateTask(ctx context.Context, op plan.CreateTask) (string, error) {
	data := map[string]any{
		"name":     op.Name,
		"notes":    op.Notes,
		"projects": []string{op.ProjectID},
		"due_date": op.DueDate,
	}
	if op.RichTextBody != "" {
		data["html_notes"] = "<body>" + html.EscapeString(op.RichTextBody) + "</body>"
	}
	var out taskEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"data": data}).
		SetResult(&out).
		Post("/tasks")
	if err := c.wrap("create task", resp, err); err != nil {
		return "", err
	}
	c.log.Debug("task created", "task_id", out.Data.GID, "name", op.Name)
	return out.Data.GID, nil
}

// CustomFieldDefs lists the custom-field definitions available on a task.
func (c *Client) CustomFieldDefs(ctx context.Context, taskID string) ([]CustomField, error) {
	var out taskEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("opt_fields", "custom_fields").
		SetResult(&out).
		Get("/tasks/" + taskID)
	if err := c.wrap("get custom fields", resp, err); err != nil {
		return nil, err
	}
	return out.Data.CustomFields, nil
}

// SetCustomFields writes field values, keyed by remote field id.
func (c *Client) SetCustomFields(ctx context.Context, taskID string, values map[string]string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"data": map[string]any{"custom_fields": values}}).
		Put("/tasks/" + taskID)
	return c.wrap("set custom fields", resp, err)
}

// AttachFile uploads one file to a task.
func (c *Client) AttachFile(ctx context.Context, taskID, filename string, data []byte, mimeType string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(data)).
		SetFormData(map[string]string{"name": filename}).
		SetHeader("X-File-Content-Type", mimeType).
		Post("/tasks/" + taskID + "/attachments")
	return c.wrap("attach file", resp, err)
}

// CreateSubtask creates a task parented to an existing one.
func (c *Client) CreateSubtask(ctx context.Context, parentID string, op plan.CreateSubtask) (string, error) {
	var out taskEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"data": map[string]any{
			"name":   op.Name,
			"notes":  op.Notes,
			"parent": parentID,
		}}).
		SetResult(&out).
		Post("/tasks")
	if err := c.wrap("create subtask", resp, err); err != nil {
		return "", err
	}
	return out.Data.GID, nil
}

// Me verifies the credential and returns the account name.
func (c *Client) Me(ctx context.Context) (string, error) {
	var out struct {
		Data struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/users/me")
	if err := c.wrap("check credential", resp, err); err != nil {
		return "", err
	}
	return out.Data.Name, nil
}

// FetchAttachment downloads attachment bytes from a source locator. The
// request carries no credential: locators are plain pre-signed vendor
// URLs, and the task-service token must not leak to their host.
func (c *Client) FetchAttachment(ctx context.Context, locator string) ([]byte, error) {
	resp, err := c.files.R().SetContext(ctx).Get(locator)
	if err := c.wrap("fetch attachment", resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func (c *Client) wrap(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if resp != nil && resp.IsError() {
		detail := strings.TrimSpace(string(resp.Body()))
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return &Error{Op: op, Status: resp.StatusCode(), Detail: detail}
	}
	return nil
}
