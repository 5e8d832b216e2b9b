package pipeline_test

import (
	"context"
	"fmt"
	"path/filepath"
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
	createErr  error
	subtaskErr error
	creates    int
	names      []string
}

func (f *fakeService) CreateTask(_ context.Context, op plan.CreateTask) (string, error) {
	f.creates++
	f.names = append(f.names, op.Name)
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
	if f.subtaskErr != nil {
		return "", f.subtaskErr
	}
	return "sub-1", nil
}

func (f *fakeService) FetchAttachment(context.Context, string) ([]byte, error) {
	return []byte("bytes"), nil
}

func filePipeline(t *testing.T, api *fakeService) (pipeline.Pipeline, *ledger.FileLedger) {
	t.Helper()
	led := ledger.OpenFile(filepath.Join(t.TempDir(), "processed.json"), nil)
	return pipeline.New(config.Default(), api, led, nil), led
}

func submission(id string) domain.RawSubmission {
	m := config.Default().Mapping
	return domain.RawSubmission{
		"submissionId": id,
		m.Title:        "12 Elm Street",
		m.JobReference: "JB-7",
		m.ReceivedAt:   "2024-03-01T08:30:00Z",
	}
}

func TestProcessOneCreatesAndMarks(t *testing.T) {
	api := &fakeService{}
	p, led := filePipeline(t, api)
	out, err := p.ProcessOne(context.Background(), submission("s1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Status != pipeline.StatusProcessed || out.Delivery.TaskID != "task-1" {
		t.Fatalf("outcome %+v", out)
	}
	if done, _ := led.IsProcessed(context.Background(), "s1"); !done {
		t.Fatal("submission not marked")
	}
}

func TestProcessOneRequiresID(t *testing.T) {
	api := &fakeService{}
	p, _ := filePipeline(t, api)
	if _, err := p.ProcessOne(context.Background(), domain.RawSubmission{}); err != pipeline.ErrMissingSubmissionID {
		t.Fatalf("err %v", err)
	}
	if api.creates != 0 {
		t.Fatal("no task should be created without an id")
	}
}

func TestSecondRunSkipsDuplicates(t *testing.T) {
	api := &fakeService{}
	p, _ := filePipeline(t, api)
	subs := []domain.RawSubmission{submission("s1"), submission("s2")}

	sum, err := p.RunBatch(context.Background(), subs)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if sum.Processed != 2 || api.creates != 2 {
		t.Fatalf("first run summary %+v creates %d", sum, api.creates)
	}

	sum, err = p.RunBatch(context.Background(), subs)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Duplicates != 2 || sum.Processed != 0 {
		t.Fatalf("second run summary %+v", sum)
	}
	if api.creates != 2 {
		t.Fatalf("duplicate run must not create tasks, creates %d", api.creates)
	}
}

func TestPartialDeliveryStillMarked(t *testing.T) {
	api := &fakeService{subtaskErr: fmt.Errorf("subtask down")}
	p, led := filePipeline(t, api)
	raw := submission("s1")
	m := config.Default().Mapping
	raw[m.SubtaskName] = "Roof inspection"

	out, err := p.ProcessOne(context.Background(), raw)
	if err != nil {
		t.Fatalf("partial delivery must not error: %v", err)
	}
	if out.Status != pipeline.StatusPartial {
		t.Fatalf("status %s", out.Status)
	}
	if done, _ := led.IsProcessed(context.Background(), "s1"); !done {
		t.Fatal("partial delivery must still be marked processed")
	}
}

func TestFailedCreateLeavesUnmarkedAndRetries(t *testing.T) {
	api := &fakeService{createErr: fmt.Errorf("service down")}
	p, led := filePipeline(t, api)

	sum, err := p.RunBatch(context.Background(), []domain.RawSubmission{submission("s1")})
	if err != nil {
		t.Fatalf("non-fatal failure must not abort the batch: %v", err)
	}
	if sum.FailedAtCreate != 1 || len(sum.Failures) != 1 {
		t.Fatalf("summary %+v", sum)
	}
	if done, _ := led.IsProcessed(context.Background(), "s1"); done {
		t.Fatal("failed create must not be marked")
	}

	api.createErr = nil
	sum, err = p.RunBatch(context.Background(), []domain.RawSubmission{submission("s1")})
	if err != nil || sum.Processed != 1 {
		t.Fatalf("retry run: %+v %v", sum, err)
	}
}

func TestFatalConfigAbortsBatch(t *testing.T) {
	api := &fakeService{createErr: &remote.Error{Op: "create task", Status: 401}}
	p, _ := filePipeline(t, api)

	subs := []domain.RawSubmission{submission("s1"), submission("s2"), submission("s3")}
	sum, err := p.RunBatch(context.Background(), subs)
	if err == nil {
		t.Fatal("expected fatal config error")
	}
	if !remote.IsFatalConfig(err) {
		t.Fatalf("err %v", err)
	}
	if api.creates != 1 {
		t.Fatalf("batch must stop at the first fatal error, creates %d", api.creates)
	}
	if sum.FailedAtCreate != 1 {
		t.Fatalf("summary %+v", sum)
	}
}

func TestRunBatchAssignsLocalIDs(t *testing.T) {
	api := &fakeService{}
	p, led := filePipeline(t, api)
	m := config.Default().Mapping
	raw := domain.RawSubmission{m.Title: "12 Elm Street"}

	sum, err := p.RunBatch(context.Background(), []domain.RawSubmission{raw})
	if err != nil || sum.Processed != 1 {
		t.Fatalf("summary %+v err %v", sum, err)
	}
	if led.Len() != 1 {
		t.Fatalf("ledger len %d", led.Len())
	}
	if _, ok := raw["submissionId"]; ok {
		t.Fatal("input payload must not be mutated")
	}
}

func TestRunBatchHonorsContextCancel(t *testing.T) {
	api := &fakeService{}
	p, _ := filePipeline(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.RunBatch(ctx, []domain.RawSubmission{submission("s1")}); err == nil {
		t.Fatal("expected context error")
	}
	if api.creates != 0 {
		t.Fatal("cancelled batch must not deliver")
	}
}

func TestRunPendingDrainsInbox(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	api := &fakeService{}
	p := pipeline.New(config.Default(), api, ledger.NewStore(r, nil), nil)
	p.Repo = &r
	p.Events = &events.Writer{DB: conn}
	p.Now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	m := config.Default().Mapping
	for i, raw := range []string{
		fmt.Sprintf(`{"submissionId":"s1","%s":"12 Elm Street"}`, m.Title),
		`{not json`,
	} {
		id := fmt.Sprintf("s%d", i+1)
		if _, err := r.InsertSubmission(ctx, domain.Submission{
			ID: id, ReceivedAt: fmt.Sprintf("2024-03-0%dT00:00:00Z", i+1), Source: "webhook", RawJSON: raw,
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	sum, err := p.RunPending(ctx, 10)
	if err != nil {
		t.Fatalf("run pending: %v", err)
	}
	if sum.Processed != 1 {
		t.Fatalf("summary %+v", sum)
	}
	foundDecode := false
	for _, f := range sum.Failures {
		if f.SubmissionID == "s2" && f.Step == "decode" {
			foundDecode = true
		}
	}
	if !foundDecode {
		t.Fatalf("decode failure not reported: %+v", sum.Failures)
	}

	s, err := r.GetSubmission(ctx, "s1")
	if err != nil || !s.Processed {
		t.Fatalf("inbox row not flagged: %+v %v", s, err)
	}
	if done, _ := r.LedgerContains(ctx, "s1"); !done {
		t.Fatal("ledger entry missing")
	}
	evts, err := r.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	if !types["task.created"] || !types["batch.completed"] {
		t.Fatalf("event types %v", types)
	}
}
