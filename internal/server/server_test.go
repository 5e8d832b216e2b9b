package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldrelay/internal/config"
	"fieldrelay/internal/db"
	"fieldrelay/internal/domain"
	"fieldrelay/internal/events"
	"fieldrelay/internal/ledger"
	"fieldrelay/internal/migrate"
	"fieldrelay/internal/pipeline"
	"fieldrelay/internal/plan"
	"fieldrelay/internal/remote"
	"fieldrelay/internal/repo"
)

type fakeService struct {
	createErr error
	creates   int
}

func (f *fakeService) CreateTask(context.Context, plan.CreateTask) (string, error) {
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	return fmt.Sprintf("task-%d", f.creates), nil
}

func (f *fakeService) CustomFieldDefs(context.Context, string) ([]remote.CustomField, error) {
	return []remote.CustomField{{ID: "f-1", Name: "Jb No"}, {ID: "f-2", Name: "Received Date"}}, nil
}

func (f *fakeService) SetCustomFields(context.Context, string, map[string]string) error { return nil }

func (f *fakeService) AttachFile(context.Context, string, string, []byte, string) error { return nil }

func (f *fakeService) CreateSubtask(context.Context, string, plan.CreateSubtask) (string, error) {
	return "sub-1", nil
}

func (f *fakeService) FetchAttachment(context.Context, string) ([]byte, error) {
	return []byte("bytes"), nil
}

type testEnv struct {
	srv  *httptest.Server
	repo repo.Repo
	cfg  *config.Config
	api  *fakeService
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Intake.JWTSecret = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}
	r := repo.Repo{DB: conn}
	api := &fakeService{}
	p := pipeline.New(cfg, api, ledger.NewStore(r, nil), nil)
	p.Repo = &r
	p.Events = &events.Writer{DB: conn}

	handler, err := New(Config{
		Pipeline: p,
		Repo:     r,
		App:      cfg,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: cfg.Intake.JWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, repo: r, cfg: cfg, api: api}
}

func (e testEnv) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return e.do(t, req)
}

func (e testEnv) get(t *testing.T, path string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return e.do(t, req)
}

func (e testEnv) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return resp, out
}

func (e testEnv) bearer(t *testing.T) map[string]string {
	t.Helper()
	token, err := NewOperatorToken(e.cfg.Intake.JWTSecret, "tester", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func webhookPayload(cfg *config.Config, id string) map[string]any {
	return map[string]any{
		"submissionId":         id,
		cfg.Mapping.Title:      "12 Elm Street",
		cfg.Mapping.ReceivedAt: "2024-03-01T08:30:00Z",
	}
}

func TestWebhookCreatesTaskAndDeduplicates(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, "/v0/webhook", webhookPayload(env.cfg, "s1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if body["status"] != "success" || body["task_id"] != "task-1" {
		t.Fatalf("body %v", body)
	}
	s, err := env.repo.GetSubmission(context.Background(), "s1")
	if err != nil || !s.Processed {
		t.Fatalf("inbox row %+v %v", s, err)
	}

	resp, body = env.post(t, "/v0/webhook", webhookPayload(env.cfg, "s1"), nil)
	if resp.StatusCode != http.StatusOK || body["message"] != "already processed" {
		t.Fatalf("duplicate: status %d body %v", resp.StatusCode, body)
	}
	if env.api.creates != 1 {
		t.Fatalf("duplicate must not create a task, creates %d", env.api.creates)
	}
}

func TestWebhookRejectsMissingID(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.post(t, "/v0/webhook", map[string]any{"alpha_2": "x"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if env.api.creates != 0 {
		t.Fatal("no task should be created")
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Post(env.srv.URL+"/v0/webhook", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestWebhookSecret(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Intake.WebhookSecret = "hook-secret" })

	resp, _ := env.post(t, "/v0/webhook", webhookPayload(env.cfg, "s1"), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing secret: status %d", resp.StatusCode)
	}
	resp, _ = env.post(t, "/v0/webhook", webhookPayload(env.cfg, "s1"),
		map[string]string{"X-Relay-Secret": "hook-secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with secret: status %d", resp.StatusCode)
	}
}

func TestWebhookQueuedWhenInlineOff(t *testing.T) {
	off := false
	env := newTestEnv(t, func(c *config.Config) { c.Intake.InlineProcessing = &off })

	resp, body := env.post(t, "/v0/webhook", webhookPayload(env.cfg, "s1"), nil)
	if resp.StatusCode != http.StatusAccepted || body["status"] != "queued" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if env.api.creates != 0 {
		t.Fatal("queued intake must not deliver")
	}

	resp, body = env.get(t, "/v0/submissions/pending", env.bearer(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending: status %d", resp.StatusCode)
	}
	if count, _ := body["count"].(float64); count != 1 {
		t.Fatalf("pending body %v", body)
	}
}

func TestWebhookCreateFailureKeepsSubmissionPending(t *testing.T) {
	env := newTestEnv(t, nil)
	env.api.createErr = fmt.Errorf("service down")

	resp, body := env.post(t, "/v0/webhook", webhookPayload(env.cfg, "s1"), nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	s, err := env.repo.GetSubmission(context.Background(), "s1")
	if err != nil || s.Processed {
		t.Fatalf("row should stay pending: %+v %v", s, err)
	}
}

func TestOperatorEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.get(t, "/v0/submissions/pending", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	resp, _ = env.get(t, "/v0/submissions/pending", map[string]string{"Authorization": "Bearer garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
	resp, _ = env.get(t, "/v0/submissions/pending", env.bearer(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status %d", resp.StatusCode)
	}
}

func TestMarkProcessedEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.repo.InsertSubmission(ctx, domain.Submission{
		ID: "s1", ReceivedAt: "2024-03-01T00:00:00Z", Source: "webhook", RawJSON: "{}",
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := env.post(t, "/v0/submissions/mark-processed",
		map[string]any{"submission_ids": []string{"s1", "missing"}}, env.bearer(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if n, _ := body["updated_count"].(float64); n != 1 {
		t.Fatalf("body %v", body)
	}
	if body["marked_by"] != "tester" {
		t.Fatalf("marked_by %v", body["marked_by"])
	}
	s, err := env.repo.GetSubmission(ctx, "s1")
	if err != nil || !s.Processed {
		t.Fatalf("row %+v %v", s, err)
	}
}

func TestHealthAndHomeAreOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/v0/health", "/v0/"} {
		resp, _ := env.get(t, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}
