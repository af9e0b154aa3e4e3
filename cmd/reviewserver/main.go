package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"examprep"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	sessionName = "examprep"
	learnerKey  = "learner_id"
)

type Server struct {
	db      *examprep.DB
	reviews *examprep.ReviewService
	store   *sessions.CookieStore
	log     *examprep.Logger
	now     func() time.Time
}

func main() {
	env := examprep.LoadEnv()
	examprep.SetVerbose(os.Getenv("EXAMPREP_VERBOSE") != "")

	logger, err := examprep.NewLogger(env.LogMode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := examprep.OpenDB(env.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", env.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.CloseDB()

	// Create tables
	if err := db.CreateTables(); err != nil {
		logger.Error("failed to create tables", "error", err)
		os.Exit(1)
	}

	scheduler, err := examprep.NewScheduler(examprep.SchedulerConfig{})
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	// Initialize session store
	key := []byte(env.SessionKey)
	if len(key) == 0 {
		logger.Warn("EXAMPREP_SESSION_KEY not set, sessions will not survive a restart")
		key = securecookie.GenerateRandomKey(32)
	}
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 30,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	server := &Server{
		db:      db,
		reviews: examprep.NewReviewService(db, scheduler, logger),
		store:   store,
		log:     logger,
		now:     time.Now,
	}

	httpServer := &http.Server{
		Addr:              ":" + env.Port,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", "port", env.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", s.handleSession)
	mux.HandleFunc("GET /due", s.handleDue)
	mux.HandleFunc("POST /review", s.handleReview)
	mux.HandleFunc("GET /questions/{id}", s.handleQuestion)
	mux.HandleFunc("DELETE /learner", s.handleDeleteLearner)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// learner returns the learner id stored in the session cookie, or "".
func (s *Server) learner(r *http.Request) string {
	session, err := s.store.Get(r, sessionName)
	if err != nil {
		return ""
	}
	id, _ := session.Values[learnerKey].(string)
	return id
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LearnerID string `json:"learner_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if body.LearnerID == "" {
		body.LearnerID = uuid.NewString()
	}

	session, _ := s.store.Get(r, sessionName)
	session.Values[learnerKey] = body.LearnerID
	if err := session.Save(r, w); err != nil {
		s.log.Error("failed to save session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"learner_id": body.LearnerID})
}

type dueItem struct {
	examprep.ReviewRecord
	Question *examprep.QuestionRecord `json:"question,omitempty"`
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	learner := s.learner(r)
	if learner == "" {
		s.writeError(w, http.StatusUnauthorized, "no session, POST /session first")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	due, err := s.reviews.DueQuestions(r.Context(), learner, s.now(), limit)
	if err != nil {
		s.log.Error("failed to get due questions", "learner", learner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get due questions")
		return
	}
	items := make([]dueItem, 0, len(due))
	for _, rec := range due {
		item := dueItem{ReviewRecord: rec}
		if q, err := s.db.GetQuestion(r.Context(), rec.QuestionID); err == nil {
			item.Question = q
		} else if !errors.Is(err, examprep.ErrNotFound) {
			s.log.Warn("failed to load due question", "question", rec.QuestionID, "error", err)
		}
		items = append(items, item)
	}
	s.writeJSON(w, http.StatusOK, items)
}

type reviewRequest struct {
	EventID    string     `json:"event_id"`
	QuestionID string     `json:"question_id"`
	Answer     string     `json:"answer"`
	Correct    *bool      `json:"correct"`
	At         *time.Time `json:"at"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	learner := s.learner(r)
	if learner == "" {
		s.writeError(w, http.StatusUnauthorized, "no session, POST /session first")
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	q, err := s.db.GetQuestion(r.Context(), req.QuestionID)
	if err != nil {
		if errors.Is(err, examprep.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "question not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var correct bool
	switch {
	case req.Answer != "":
		correct = strings.EqualFold(strings.TrimSpace(req.Answer), q.Answer)
	case req.Correct != nil:
		correct = *req.Correct
	default:
		s.writeError(w, http.StatusBadRequest, "answer or correct is required")
		return
	}
	at := s.now()
	if req.At != nil {
		at = *req.At
	}

	// stored questions carry no difficulty rating, so every answer is graded at 0
	rec, err := s.reviews.RecordReview(r.Context(), examprep.ReviewEvent{
		ID:         req.EventID,
		LearnerID:  learner,
		QuestionID: q.ID(),
		Correct:    correct,
		At:         at,
	})
	if err != nil {
		switch {
		case errors.Is(err, examprep.ErrInvalidReview):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, examprep.ErrWriteConflict):
			s.writeError(w, http.StatusConflict, "review could not be stored, retry")
		default:
			s.log.Error("failed to record review", "learner", learner, "question", q.ID(), "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to record review")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"correct": correct,
		"answer":  q.Answer,
		"record":  rec,
	})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.db.GetQuestion(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, examprep.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "question not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleDeleteLearner(w http.ResponseWriter, r *http.Request) {
	learner := s.learner(r)
	if learner == "" {
		s.writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	removed, err := s.reviews.DeleteLearnerData(r.Context(), learner)
	if err != nil {
		s.log.Error("failed to delete learner data", "learner", learner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete learner data")
		return
	}
	session, _ := s.store.Get(r, sessionName)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		s.log.Warn("failed to clear session", "error", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"records_deleted": removed})
}
