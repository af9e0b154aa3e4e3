package examprep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var markerInPrompt = regexp.MustCompile(`marker (\d+),`)

// fakeExamModel answers every block of a prompt from a fixed table of
// question JSON keyed by marker number.
func fakeExamModel(answers map[string]string) Model {
	return ModelFunc(func(ctx context.Context, prompt string) (ModelResponse, error) {
		var items []string
		for _, m := range markerInPrompt.FindAllStringSubmatch(prompt, -1) {
			if a, ok := answers[m[1]]; ok {
				items = append(items, a)
			}
		}
		return ModelResponse{
			Text:       "Here you go:\n```json\n{\"questions\": [" + strings.Join(items, ",") + "]}\n```",
			TokensUsed: 10,
			StatusCode: 200,
		}, nil
	})
}

var threeAnswers = map[string]string{
	"1": `{"qNo": 1, "prompt": "What is 2+2?", "choices": {"A": "3", "B": "4"}, "answer": "B",
		"explanation": "Adding two and two gives four, which is choice B."}`,
	"2": `{"qNo": 2, "prompt": "Capital of France?", "choices": {"A": "Paris", "B": "Rome"}, "answer": "A"}`,
	"3": `{"qNo": 3, "prompt": "Last one", "choices": {"A": "x", "B": "y"}, "answer": "C",}`,
}

type ingestFixture struct {
	ingestor *Ingestor
	db       *DB
	locker   *MemoryExamLocker
}

func newIngestFixture(t *testing.T, text string, db *DB) ingestFixture {
	t.Helper()
	docs := t.TempDir()
	if err := os.WriteFile(filepath.Join(docs, testExam.String()+".txt"), []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultCategoryConfig()
	cfg.MaxBatchSize = 2
	cfg.Concurrency = 2

	client := NewExtractionClient(fakeExamModel(threeAnswers), &fakeLimiter{}, cfg.ClientConfig(), nil)
	locker := NewMemoryExamLocker()
	ing, err := NewIngestor(cfg, DirDocumentStore{Dir: docs}, db, client, locker, nil)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	ing.LogDir = t.TempDir()
	return ingestFixture{ingestor: ing, db: db, locker: locker}
}

func issueKinds(r *ValidationReport) map[Reason]int {
	kinds := make(map[Reason]int)
	for _, is := range r.Issues {
		kinds[is.Kind]++
	}
	return kinds
}

func TestIngest_EndToEnd(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fx := newIngestFixture(t, threeQuestions, db)

	report, err := fx.ingestor.Ingest(ctx, IngestRequest{Exam: testExam})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if report.Blocks != 3 || report.Batches != 2 {
		t.Errorf("blocks/batches = %d/%d, want 3/2", report.Blocks, report.Batches)
	}
	if report.Accepted != 2 || report.Stored != 2 {
		t.Errorf("accepted/stored = %d/%d, want 2/2", report.Accepted, report.Stored)
	}
	if report.TokensUsed != 20 {
		t.Errorf("tokens = %d, want 20", report.TokensUsed)
	}
	kinds := issueKinds(report)
	if kinds[ReasonInvalidAnswerLabel] != 1 || kinds[ReasonLowConfidenceExplanation] != 1 || len(report.Issues) != 2 {
		t.Errorf("issues = %+v", report.Issues)
	}
	if s := report.Summary(); s.Rejected != 1 || s.Flagged != 1 {
		t.Errorf("summary = %s", s)
	}

	stored, err := db.ListQuestions(ctx, testExamID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(stored) != 2 || stored[0].Number != 1 || stored[1].Number != 2 {
		t.Fatalf("stored = %+v", stored)
	}
	if stored[1].Explanation != nil || !stored[1].HasFlag(FlagLowConfidenceExplanation) {
		t.Errorf("q2 = %+v, want flagged with no explanation", stored[1])
	}

	saved, err := db.GetReport(ctx, report.RunID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if saved.Accepted != 2 || len(saved.Issues) != 2 {
		t.Errorf("saved report = %+v", saved)
	}
	if _, err := os.Stat(filepath.Join(fx.ingestor.LogDir, report.RunID+".log")); err != nil {
		t.Errorf("run log missing: %v", err)
	}

	// rerun leaves stored questions untouched
	again, err := fx.ingestor.Ingest(ctx, IngestRequest{Exam: testExam})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if again.Stored != 0 || again.Accepted != 2 {
		t.Errorf("rerun accepted/stored = %d/%d, want 2/0", again.Accepted, again.Stored)
	}
	rerun, _ := db.ListQuestions(ctx, testExamID)
	if !reflect.DeepEqual(rerun, stored) {
		t.Error("stored questions changed on rerun")
	}
}

func TestIngest_SegmentationFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fx := newIngestFixture(t, "Answer sheet\nNothing numbered here.\n", db)

	report, err := fx.ingestor.Ingest(ctx, IngestRequest{Exam: testExam})
	if !errors.Is(err, ErrSegmentationFailure) {
		t.Fatalf("err = %v, want ErrSegmentationFailure", err)
	}
	if report == nil || report.Error == "" {
		t.Fatalf("report = %+v, want the failure recorded", report)
	}
	saved, err := db.GetReport(ctx, report.RunID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if saved.Error == "" {
		t.Error("persisted report lost the error")
	}
	if got, _ := db.ListQuestions(ctx, testExamID); len(got) != 0 {
		t.Errorf("%d questions stored after a failed run", len(got))
	}
}

func TestIngest_DryRun(t *testing.T) {
	fx := newIngestFixture(t, threeQuestions, nil)
	report, err := fx.ingestor.Ingest(context.Background(), IngestRequest{Exam: testExam, DryRun: true})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if report.Accepted != 2 || report.Stored != 0 {
		t.Errorf("accepted/stored = %d/%d, want 2/0", report.Accepted, report.Stored)
	}

	if _, err := fx.ingestor.Ingest(context.Background(), IngestRequest{Exam: testExam}); err == nil {
		t.Error("non-dry run without a database succeeded")
	}
}

func TestIngest_NoWaitWhileLocked(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fx := newIngestFixture(t, threeQuestions, db)

	unlock, err := fx.locker.Lock(ctx, testExamID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	_, err = fx.ingestor.Ingest(ctx, IngestRequest{Exam: testExam, NoWait: true})
	if !errors.Is(err, ErrIngestionInProgress) {
		t.Fatalf("err = %v, want ErrIngestionInProgress", err)
	}
	if got, _ := db.ListQuestions(ctx, testExamID); len(got) != 0 {
		t.Errorf("%d questions stored without the lock", len(got))
	}
}

func TestIngest_NoWaitWhileRunInFlight(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fx := newIngestFixture(t, threeQuestions, db)

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var calls atomic.Int32
	answer := fakeExamModel(threeAnswers)
	model := ModelFunc(func(ctx context.Context, prompt string) (ModelResponse, error) {
		calls.Add(1)
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return ModelResponse{}, ctx.Err()
		}
		return answer.Extract(ctx, prompt)
	})
	fx.ingestor.client = NewExtractionClient(model, &fakeLimiter{}, DefaultCategoryConfig().ClientConfig(), nil)

	first := make(chan error, 1)
	go func() {
		_, err := fx.ingestor.Ingest(ctx, IngestRequest{Exam: testExam})
		first <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the model")
	}

	_, err := fx.ingestor.Ingest(ctx, IngestRequest{Exam: testExam, NoWait: true})
	if !errors.Is(err, ErrIngestionInProgress) {
		t.Errorf("second run err = %v, want ErrIngestionInProgress", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("model calls = %d, want 2 from the first run only", n)
	}
	if got, _ := db.ListQuestions(ctx, testExamID); len(got) != 2 {
		t.Errorf("stored %d questions, want 2", len(got))
	}
}

func TestIngest_MissingDocument(t *testing.T) {
	db := newTestDB(t)
	cfg := DefaultCategoryConfig()
	client := NewExtractionClient(fakeExamModel(nil), &fakeLimiter{}, cfg.ClientConfig(), nil)
	ing, err := NewIngestor(cfg, DirDocumentStore{Dir: t.TempDir()}, db, client, nil, nil)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	ing.LogDir = t.TempDir()
	if _, err := ing.Ingest(context.Background(), IngestRequest{Exam: testExam}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
