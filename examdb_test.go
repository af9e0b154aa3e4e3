package examprep

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "examprep.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.CloseDB() })
	if err := db.CreateTables(); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func sampleRecords() []QuestionRecord {
	return []QuestionRecord{
		{
			Exam: testExamID, Number: 1, Prompt: "What is 2+2?",
			Choices:     []Choice{{Label: "A", Text: "3"}, {Label: "B", Text: "4"}},
			Answer:      "B",
			Explanation: strPtr("Two plus two is four."),
			Flags:       []Flag{FlagLowConfidenceExplanation},
			BlockStart:  0, BlockEnd: 40,
		},
		{
			Exam: testExamID, Number: 2, Prompt: "Capital of France?",
			Choices:    []Choice{{Label: "A", Text: "Paris"}, {Label: "B", Text: "Rome"}},
			Answer:     "A",
			BlockStart: 40, BlockEnd: 90,
		},
	}
}

func TestUpsertQuestions_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	res, err := db.UpsertQuestions(ctx, testExam, sampleRecords())
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 || res.Unchanged != 0 {
		t.Errorf("first upsert = %+v, want 2 inserted", res)
	}
	first, err := db.ListQuestions(ctx, testExamID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}

	res, err = db.UpsertQuestions(ctx, testExam, sampleRecords())
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if res.Unchanged != 2 || res.Inserted != 0 || res.Updated != 0 {
		t.Errorf("second upsert = %+v, want 2 unchanged", res)
	}
	second, err := db.ListQuestions(ctx, testExamID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("rows changed on rerun:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(second, sampleRecords()) {
		t.Errorf("stored = %+v, want %+v", second, sampleRecords())
	}
}

func TestUpsertQuestions_KeepsExplanation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if _, err := db.UpsertQuestions(ctx, testExam, sampleRecords()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rerun := sampleRecords()[:1]
	rerun[0].Explanation = nil
	rerun[0].Prompt = "What is 2 + 2?"
	rerun[0].Flags = []Flag{FlagLowConfidenceExplanation}
	res, err := db.UpsertQuestions(ctx, testExam, rerun)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("result = %+v, want 1 updated", res)
	}

	q, err := db.GetQuestion(ctx, QuestionID(testExamID, 1))
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if q.Prompt != "What is 2 + 2?" {
		t.Errorf("prompt = %q, want the new prompt", q.Prompt)
	}
	if q.Explanation == nil || *q.Explanation != "Two plus two is four." {
		t.Errorf("explanation = %v, want the stored one kept", q.Explanation)
	}
	if !q.HasFlag(FlagLowConfidenceExplanation) {
		t.Errorf("flags = %v, want the stored explanation flag kept", q.Flags)
	}

	// a question that never had an explanation loses its flag only with a new one
	withExpl := sampleRecords()[1:]
	withExpl[0].Explanation = strPtr("Paris has been the capital since 987.")
	if _, err := db.UpsertQuestions(ctx, testExam, withExpl); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	q2, err := db.GetQuestion(ctx, QuestionID(testExamID, 2))
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if q2.Explanation == nil || !q2.Confident() {
		t.Errorf("q2 = %+v, want explanation and no flags", q2)
	}
}

func TestUpsertQuestions_RejectsForeignRecord(t *testing.T) {
	db := newTestDB(t)
	recs := sampleRecords()
	recs[1].Exam = "other-2020"
	if _, err := db.UpsertQuestions(context.Background(), testExam, recs); err == nil {
		t.Fatal("expected an error for a record of another exam")
	}
	got, _ := db.ListQuestions(context.Background(), testExamID)
	if len(got) != 0 {
		t.Errorf("partial write: %d rows stored", len(got))
	}
}

func TestGetQuestion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if _, err := db.UpsertQuestions(ctx, testExam, sampleRecords()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := db.GetQuestion(ctx, QuestionID(testExamID, 99)); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing question err = %v, want ErrNotFound", err)
	}
	if _, err := db.GetQuestion(ctx, "not-an-id"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("malformed id err = %v, want a parse error", err)
	}
	ok, err := db.QuestionExists(ctx, QuestionID(testExamID, 2))
	if err != nil || !ok {
		t.Errorf("QuestionExists = %v, %v; want true", ok, err)
	}
}

func TestSplitQuestionID(t *testing.T) {
	exam, n, err := SplitQuestionID("med-lab-2024-fall-2#017")
	if err != nil {
		t.Fatalf("SplitQuestionID: %v", err)
	}
	if exam != "med-lab-2024-fall-2" || n != 17 {
		t.Errorf("got %q, %d", exam, n)
	}
	for _, bad := range []string{"", "#1", "exam#", "exam#0", "exam#x"} {
		if _, _, err := SplitQuestionID(bad); err == nil {
			t.Errorf("SplitQuestionID(%q) succeeded", bad)
		}
	}
}

func TestSaveReport(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	report := &ValidationReport{
		RunID:      "run-1",
		ExamID:     testExamID,
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Minute),
		Blocks:     3,
		Accepted:   2,
		Issues: []Issue{{
			Kind: ReasonInvalidAnswerLabel, Severity: SeverityRejected,
			QuestionNumber: 3, BlockStart: 90, BlockEnd: 130, Raw: `{"answer":"C"}`,
		}},
	}
	if err := db.SaveReport(ctx, report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	got, err := db.GetReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Accepted != 2 || len(got.Issues) != 1 || got.Issues[0].Kind != ReasonInvalidAnswerLabel {
		t.Errorf("report = %+v", got)
	}
	if _, err := db.GetReport(ctx, "run-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing report err = %v, want ErrNotFound", err)
	}
	ids, err := db.ListReports(ctx, testExamID, 0)
	if err != nil || len(ids) != 1 || ids[0] != "run-1" {
		t.Errorf("ListReports = %v, %v", ids, err)
	}
}
