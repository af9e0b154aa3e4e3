package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"examprep"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *examprep.Scheduler, string) {
	t.Helper()
	db, err := examprep.OpenDB(filepath.Join(t.TempDir(), "examprep.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.CloseDB() })
	if err := db.CreateTables(); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}

	exam := examprep.ExamID{Category: "nursing", Year: 2023, Season: "spring", Shift: "1"}
	q := examprep.QuestionRecord{
		Exam: exam.String(), Number: 1, Prompt: "What is 2+2?",
		Choices: []examprep.Choice{{Label: "A", Text: "3"}, {Label: "B", Text: "4"}},
		Answer:  "B",
	}
	if _, err := db.UpsertQuestions(context.Background(), exam, []examprep.QuestionRecord{q}); err != nil {
		t.Fatalf("UpsertQuestions: %v", err)
	}

	sched, err := examprep.NewScheduler(examprep.SchedulerConfig{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s := &Server{
		db:      db,
		reviews: examprep.NewReviewService(db, sched, nil),
		store:   sessions.NewCookieStore(securecookie.GenerateRandomKey(32)),
		log:     examprep.NopLogger(),
		now:     func() time.Time { return t0 },
	}
	return s, sched, q.ID()
}

func serve(t *testing.T, h http.Handler, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleReview_IgnoresClientDifficulty(t *testing.T) {
	s, sched, qid := newTestServer(t)
	h := s.routes()

	res := serve(t, h, http.MethodPost, "/session", `{"learner_id":"u1"}`, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("POST /session = %d: %s", res.Code, res.Body)
	}
	cookies := res.Result().Cookies()

	events := []examprep.ReviewEvent{
		{ID: "e1", LearnerID: "u1", QuestionID: qid, Correct: true, At: t0},
		{ID: "e2", LearnerID: "u1", QuestionID: qid, Correct: true, At: t0.Add(24 * time.Hour)},
	}
	for _, ev := range events {
		body, _ := json.Marshal(map[string]interface{}{
			"event_id":    ev.ID,
			"question_id": qid,
			"answer":      "b",
			"at":          ev.At,
			"difficulty":  1.0,
		})
		res := serve(t, h, http.MethodPost, "/review", string(body), cookies)
		if res.Code != http.StatusOK {
			t.Fatalf("POST /review = %d: %s", res.Code, res.Body)
		}
	}

	want, err := sched.Replay("u1", qid, events)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	got, err := s.reviews.GetReviewRecord(context.Background(), "u1", qid)
	if err != nil {
		t.Fatalf("GetReviewRecord: %v", err)
	}
	if got.Interval != want.Interval || !got.NextDue.Equal(want.NextDue) {
		t.Errorf("interval = %s due %s, want %s due %s", got.Interval, got.NextDue, want.Interval, want.NextDue)
	}
}

func TestHandleReview_RequiresSession(t *testing.T) {
	s, _, qid := newTestServer(t)
	res := serve(t, s.routes(), http.MethodPost, "/review", `{"question_id":"`+qid+`","correct":true}`, nil)
	if res.Code != http.StatusUnauthorized {
		t.Errorf("POST /review without session = %d, want 401", res.Code)
	}
}
