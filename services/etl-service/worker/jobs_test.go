package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/storage"
	"gorm.io/datatypes"
)

func TestJobs_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rule := f.llmRule(t)
	task := f.submit(t, rule.ID, nil)

	f.handle(t, f.queue.last(t, queue.KindOCR))

	mid, _ := f.tasks.GetByID(ctx, task.ID)
	if mid.Status != models.TaskStatusLLMProcessing || mid.Progress != 60 {
		t.Fatalf("after ocr: %s/%d", mid.Status, mid.Progress)
	}
	if mid.MetaString(models.MetaArtifactMarkdownKey) != storage.MarkdownKey(task.ID) || mid.MetaString(models.MetaProviderTaskID) != "m-task" {
		t.Errorf("artifact metadata = %v", mid.Metadata)
	}
	if f.parser.urls[0] != "https://blob.test/raw/u1/p1/report.pdf" {
		t.Errorf("parser got %v", f.parser.urls)
	}
	state, _ := f.runtime.Get(ctx, task.ID)
	post := f.queue.last(t, queue.KindPostprocess)
	if state.Phase != models.PhasePostprocess || state.JobIDPostprocess != post.ID || state.AttemptOCR != 1 {
		t.Errorf("runtime after ocr = %+v", state)
	}

	f.handle(t, post)

	done, _ := f.tasks.GetByID(ctx, task.ID)
	if done.Status != models.TaskStatusCompleted || done.Progress != 100 || done.Error != nil {
		t.Fatalf("after postprocess: %s/%d %v", done.Status, done.Progress, done.ErrorString())
	}
	outKey := storage.ProcessedKey(task.ID)
	if done.Result[models.ResultOutputKey] != outKey {
		t.Errorf("result = %v", done.Result)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(f.blobs.objects[outKey], &out); err != nil || out["title"] != "Q3 report" {
		t.Errorf("output = %s, %v", f.blobs.objects[outKey], err)
	}
	state, _ = f.runtime.Get(ctx, task.ID)
	if state.Status != models.TaskStatusCompleted || state.Phase != models.PhaseFinalize {
		t.Errorf("runtime after postprocess = %+v", state)
	}
	if ttl := f.ttl(task.ID); ttl != f.cfg.ETL.TerminalTTL() {
		t.Errorf("terminal ttl = %v", ttl)
	}

	got, err := f.svc.GetStatus(ctx, task.ID)
	if err != nil || got.Result[models.ResultOutputKey] != outKey {
		t.Errorf("status after completion = %+v, %v", got, err)
	}
}

func TestJobs_OCRFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.parser.err = errors.New("mineru: file unreadable")
	task := f.submit(t, "", nil)

	f.handle(t, f.queue.last(t, queue.KindOCR))

	durable, _ := f.tasks.GetByID(ctx, task.ID)
	if durable.Status != models.TaskStatusFailed || durable.MetaString(models.MetaErrorStage) != models.StageMineru {
		t.Fatalf("durable = %s %v", durable.Status, durable.Metadata)
	}
	state, _ := f.runtime.Get(ctx, task.ID)
	if state.ErrorCode != "provider_error" || state.ErrorStage != models.StageMineru {
		t.Errorf("runtime = %+v", state)
	}
	if ttl := f.ttl(task.ID); ttl != f.cfg.ETL.TerminalTTL() {
		t.Errorf("terminal ttl = %v", ttl)
	}
	if f.blobs.puts != 0 {
		t.Errorf("artifact written on failure")
	}
	for _, j := range f.queue.jobs {
		if j.Kind == queue.KindPostprocess {
			t.Error("postprocess enqueued after ocr failure")
		}
	}
}

func TestJobs_MissingSourceKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := f.svc.Submit(ctx, service.SubmitRequest{UserID: "u1", ProjectID: "p1", Filename: "report.pdf"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.handle(t, f.queue.last(t, queue.KindOCR))

	state, _ := f.runtime.Get(ctx, task.ID)
	if state.Status != models.TaskStatusFailed || state.ErrorCode != "missing_source" {
		t.Errorf("runtime = %+v", state)
	}
	if f.parser.calls != 0 {
		t.Error("parser called without a source")
	}
}

func TestJobs_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.submit(t, f.llmRule(t).ID, nil)
	ocr := f.queue.last(t, queue.KindOCR)

	f.handle(t, ocr)
	f.handle(t, ocr)
	if f.parser.calls != 1 {
		t.Errorf("parser calls = %d", f.parser.calls)
	}
	postJobs := 0
	for _, j := range f.queue.jobs {
		if j.Kind == queue.KindPostprocess {
			postJobs++
		}
	}
	if postJobs != 1 {
		t.Errorf("postprocess jobs = %d", postJobs)
	}

	post := f.queue.last(t, queue.KindPostprocess)
	f.handle(t, post)
	puts := f.blobs.puts
	f.handle(t, post)
	if f.blobs.puts != puts || f.llm.calls != 1 {
		t.Errorf("redelivery redid work: puts %d->%d, llm calls %d", puts, f.blobs.puts, f.llm.calls)
	}
	done, _ := f.tasks.GetByID(ctx, task.ID)
	if done.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s", done.Status)
	}
}

func TestJobs_CancelDuringParseDiscardsResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.submit(t, "", nil)
	f.parser.during = func() {
		if _, err := f.svc.Cancel(ctx, task.ID, "u1", true); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	f.handle(t, f.queue.last(t, queue.KindOCR))

	durable, _ := f.tasks.GetByID(ctx, task.ID)
	if durable.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s", durable.Status)
	}
	if f.blobs.puts != 0 {
		t.Error("markdown stored for a cancelled task")
	}
	state, _ := f.runtime.Get(ctx, task.ID)
	if state.Status != models.TaskStatusCancelled {
		t.Errorf("runtime = %s", state.Status)
	}
}

func TestJobs_SupersededJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.submit(t, "", nil)
	stale := f.queue.last(t, queue.KindOCR)

	if _, err := f.svc.Retry(ctx, task.ID, "u1", "mineru"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	fresh := f.queue.last(t, queue.KindOCR)
	if fresh.ID == stale.ID {
		t.Fatal("retry reused the job id")
	}

	f.handle(t, stale)
	if f.parser.calls != 0 {
		t.Fatalf("superseded job reached the provider")
	}
	f.handle(t, fresh)
	if f.parser.calls != 1 {
		t.Errorf("parser calls = %d", f.parser.calls)
	}
}

func TestJobs_LostRuntimeWriteAfterOCR(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.submit(t, f.llmRule(t).ID, nil)

	// the write that records job_id_postprocess never reaches redis
	f.flaky.failSet = func(s *models.ETLRuntimeState) bool { return s.JobIDPostprocess != "" }
	f.handle(t, f.queue.last(t, queue.KindOCR))

	state, _ := f.runtime.Get(ctx, task.ID)
	if state.JobIDPostprocess != "" {
		t.Fatalf("runtime write was expected to be lost: %+v", state)
	}
	post := f.queue.last(t, queue.KindPostprocess)
	mid, _ := f.tasks.GetByID(ctx, task.ID)
	if mid.MetaString(models.MetaJobIDPostprocess) != post.ID {
		t.Fatalf("durable job id = %v", mid.Metadata)
	}

	f.handle(t, post)

	done, _ := f.tasks.GetByID(ctx, task.ID)
	if done.Status != models.TaskStatusCompleted || done.Progress != 100 {
		t.Fatalf("task stranded: %s/%d", done.Status, done.Progress)
	}
	state, _ = f.runtime.Get(ctx, task.ID)
	if state.Status != models.TaskStatusCompleted || state.JobIDPostprocess != post.ID {
		t.Errorf("runtime after postprocess = %+v", state)
	}

	// a postprocess job from an older run is still rejected once runtime state is gone
	f.mr.Del(f.runtime.(*repository.RuntimeRepositoryImpl).TaskKey(task.ID))
	if _, err := f.svc.Retry(ctx, task.ID, "u1", "postprocess"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	f.mr.Del(f.runtime.(*repository.RuntimeRepositoryImpl).TaskKey(task.ID))
	calls := f.llm.calls
	f.handle(t, post)
	if f.llm.calls != calls {
		t.Errorf("superseded postprocess job reached the llm")
	}
}

func TestJobs_SkipModeKeepsMarkdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.submit(t, "", nil)

	f.handle(t, f.queue.last(t, queue.KindOCR))
	f.handle(t, f.queue.last(t, queue.KindPostprocess))

	if f.llm.calls != 0 {
		t.Errorf("skip mode called the model %d times", f.llm.calls)
	}
	var out map[string]string
	if err := json.Unmarshal(f.blobs.objects[storage.ProcessedKey(task.ID)], &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out["markdown"] != f.parser.markdown {
		t.Errorf("output = %v", out)
	}
	done, _ := f.tasks.GetByID(ctx, task.ID)
	if done.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s", done.Status)
	}
}

func TestJobs_TransformFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.llm.replies = []string{"I cannot answer in JSON"}
	task := f.submit(t, f.llmRule(t).ID, nil)

	f.handle(t, f.queue.last(t, queue.KindOCR))
	f.handle(t, f.queue.last(t, queue.KindPostprocess))

	if f.llm.calls != f.cfg.ETL.MaxRetries+1 {
		t.Errorf("llm calls = %d", f.llm.calls)
	}
	durable, _ := f.tasks.GetByID(ctx, task.ID)
	if durable.Status != models.TaskStatusFailed || durable.MetaString(models.MetaErrorStage) != models.StagePostprocess {
		t.Fatalf("durable = %s %v", durable.Status, durable.Metadata)
	}
	// markdown 保留，可从 postprocess 重试
	if durable.MetaString(models.MetaArtifactMarkdownKey) == "" {
		t.Error("artifact lost on postprocess failure")
	}
	state, _ := f.runtime.Get(ctx, task.ID)
	if state.ErrorCode != "invalid_json" {
		t.Errorf("error code = %s", state.ErrorCode)
	}

	f.llm.replies = []string{`{"title":"ok","content":"ok"}`}
	if _, err := f.svc.Retry(ctx, task.ID, "u1", "postprocess"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	f.handle(t, f.queue.last(t, queue.KindPostprocess))
	durable, _ = f.tasks.GetByID(ctx, task.ID)
	if durable.Status != models.TaskStatusCompleted || f.parser.calls != 1 {
		t.Errorf("after retry: %s, parser calls %d", durable.Status, f.parser.calls)
	}
}

func TestJobs_CompletionCallbackMountsOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := &models.TargetDocument{ID: "doc-1", ProjectID: "p1", Data: datatypes.JSON(`{"reports":{}}`), Version: 1}
	if err := f.docs.Create(ctx, doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	task := f.submit(t, f.llmRule(t).ID, map[string]interface{}{
		models.MetaMountDocumentID: "doc-1",
		models.MetaMountPath:       "reports/q3",
	})

	f.handle(t, f.queue.last(t, queue.KindOCR))
	f.handle(t, f.queue.last(t, queue.KindPostprocess))

	stored, _ := f.docs.GetByID(ctx, "doc-1")
	var root map[string]interface{}
	if err := json.Unmarshal(stored.Data, &root); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	q3 := root["reports"].(map[string]interface{})["q3"].(map[string]interface{})
	content, _ := q3["content"].(map[string]interface{})
	if content["title"] != "Q3 report" {
		t.Errorf("document = %v", root)
	}
	durable, _ := f.tasks.GetByID(ctx, task.ID)
	if !durable.MetaBool(models.MetaCallbackApplied) {
		t.Errorf("metadata = %v", durable.Metadata)
	}
}

func TestJobs_UnknownKind(t *testing.T) {
	f := newFixture(t)
	err := f.jobs.Handle(context.Background(), queue.Job{ID: "x", Kind: "zip", TaskID: 1})
	if !errors.Is(err, errUnknownKind) {
		t.Fatalf("expected errUnknownKind, got %v", err)
	}
}

func TestJobs_VanishedTask(t *testing.T) {
	f := newFixture(t)
	if err := f.jobs.Handle(context.Background(), queue.NewJob(queue.KindOCR, 4242)); err != nil {
		t.Fatalf("missing task should be dropped, got %v", err)
	}
}
