package examprep

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DB is the durable store for exams, questions, review state and run reports.
type DB struct {
	db *sql.DB
}

// UpsertResult counts what UpsertQuestions did per record.
type UpsertResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// OpenDB opens a sqlite database in WAL mode with immediate write transactions.
func OpenDB(dbPath string) (*DB, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db: db}, nil
}

// CloseDB closes the database connection
func (db *DB) CloseDB() error {
	return db.db.Close()
}

// CreateTables creates the necessary tables if they don't exist
func (db *DB) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS exams (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			year INTEGER NOT NULL,
			season TEXT NOT NULL DEFAULT '',
			shift TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			exam_id TEXT NOT NULL,
			question_number INTEGER NOT NULL,
			prompt TEXT NOT NULL,
			choices TEXT NOT NULL,
			answer TEXT NOT NULL,
			explanation TEXT,
			flags TEXT NOT NULL DEFAULT '[]',
			block_start INTEGER NOT NULL,
			block_end INTEGER NOT NULL,
			PRIMARY KEY (exam_id, question_number),
			FOREIGN KEY (exam_id) REFERENCES exams(id)
		)`,
		`CREATE TABLE IF NOT EXISTS review_records (
			learner_id TEXT NOT NULL,
			question_id TEXT NOT NULL,
			state TEXT NOT NULL,
			last_reviewed INTEGER NOT NULL,
			next_due INTEGER NOT NULL,
			interval_ns INTEGER NOT NULL,
			ease REAL NOT NULL,
			streak INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			PRIMARY KEY (learner_id, question_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_records_due
			ON review_records (learner_id, next_due, question_id)`,
		`CREATE TABLE IF NOT EXISTS review_events (
			id TEXT PRIMARY KEY,
			learner_id TEXT NOT NULL,
			question_id TEXT NOT NULL,
			correct INTEGER NOT NULL,
			at INTEGER NOT NULL,
			difficulty REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_events_pair
			ON review_events (learner_id, question_id, at, id)`,
		`CREATE TABLE IF NOT EXISTS ingestion_runs (
			run_id TEXT PRIMARY KEY,
			exam_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			report TEXT NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := db.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute %s: %w", query, err)
		}
	}
	return nil
}

// isBusy reports sqlite lock contention.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withTx runs fn in one immediate transaction. Lock contention is retried
// once and then reported as ErrWriteConflict.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = db.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		VerboseLog("sqlite busy (attempt %d): %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ErrWriteConflict, err)
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertQuestions writes records for exam in a single transaction.
// A stored explanation is never replaced by a missing one; re-running with
// the same records leaves the stored rows byte-identical.
func (db *DB) UpsertQuestions(ctx context.Context, exam ExamID, records []QuestionRecord) (UpsertResult, error) {
	examID := exam.String()
	for _, rec := range records {
		if rec.Exam != examID {
			return UpsertResult{}, fmt.Errorf("record %s does not belong to exam %s", rec.ID(), examID)
		}
	}

	var res UpsertResult
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res = UpsertResult{}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exams (id, category, year, season, shift) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET category = excluded.category, year = excluded.year,
			   season = excluded.season, shift = excluded.shift`,
			examID, exam.Category, exam.Year, exam.Season, exam.Shift,
		); err != nil {
			return fmt.Errorf("failed to upsert exam: %w", err)
		}

		existing, err := queryQuestions(ctx, tx, examID)
		if err != nil {
			return err
		}
		byNumber := make(map[int]QuestionRecord, len(existing))
		for _, q := range existing {
			byNumber[q.Number] = q
		}

		for _, rec := range records {
			old, found := byNumber[rec.Number]
			merged := rec
			if found {
				merged = mergeQuestion(old, rec)
			}
			row, err := encodeQuestion(merged)
			if err != nil {
				return err
			}
			if found {
				oldRow, err := encodeQuestion(old)
				if err != nil {
					return err
				}
				if row == oldRow {
					res.Unchanged++
					continue
				}
				res.Updated++
			} else {
				res.Inserted++
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (exam_id, question_number, prompt, choices, answer, explanation, flags, block_start, block_end)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(exam_id, question_number) DO UPDATE SET
				   prompt = excluded.prompt, choices = excluded.choices, answer = excluded.answer,
				   explanation = excluded.explanation, flags = excluded.flags,
				   block_start = excluded.block_start, block_end = excluded.block_end`,
				examID, merged.Number, row.Prompt, row.Choices, row.Answer, row.Explanation, row.Flags,
				row.BlockStart, row.BlockEnd,
			); err != nil {
				return fmt.Errorf("failed to upsert question %s: %w", merged.ID(), err)
			}
		}
		return nil
	})
	return res, err
}

// mergeQuestion applies next over old, keeping old's explanation (and its
// explanation flag) when next has none.
func mergeQuestion(old, next QuestionRecord) QuestionRecord {
	if next.Explanation != nil || old.Explanation == nil {
		return next
	}
	merged := next
	merged.Explanation = old.Explanation
	merged.Flags = nil
	for _, f := range next.Flags {
		if f != FlagLowConfidenceExplanation {
			merged.Flags = append(merged.Flags, f)
		}
	}
	if old.HasFlag(FlagLowConfidenceExplanation) {
		merged.Flags = append(merged.Flags, FlagLowConfidenceExplanation)
	}
	return merged
}

// questionRow is the column encoding of a QuestionRecord.
type questionRow struct {
	Prompt      string
	Choices     string
	Answer      string
	Explanation sql.NullString
	Flags       string
	BlockStart  int
	BlockEnd    int
}

func encodeQuestion(q QuestionRecord) (questionRow, error) {
	choices, err := json.Marshal(q.Choices)
	if err != nil {
		return questionRow{}, fmt.Errorf("failed to marshal choices: %w", err)
	}
	flags := q.Flags
	if flags == nil {
		flags = []Flag{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return questionRow{}, fmt.Errorf("failed to marshal flags: %w", err)
	}
	row := questionRow{
		Prompt:     q.Prompt,
		Choices:    string(choices),
		Answer:     q.Answer,
		Flags:      string(flagsJSON),
		BlockStart: q.BlockStart,
		BlockEnd:   q.BlockEnd,
	}
	if q.Explanation != nil {
		row.Explanation = sql.NullString{String: *q.Explanation, Valid: true}
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(s rowScanner) (QuestionRecord, error) {
	var (
		q       QuestionRecord
		row     questionRow
		choices []Choice
		flags   []Flag
	)
	if err := s.Scan(&q.Exam, &q.Number, &row.Prompt, &row.Choices, &row.Answer, &row.Explanation,
		&row.Flags, &row.BlockStart, &row.BlockEnd); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(row.Choices), &choices); err != nil {
		return q, fmt.Errorf("failed to unmarshal choices: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Flags), &flags); err != nil {
		return q, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	q.Prompt = row.Prompt
	q.Choices = choices
	q.Answer = row.Answer
	if row.Explanation.Valid {
		text := row.Explanation.String
		q.Explanation = &text
	}
	if len(flags) > 0 {
		q.Flags = flags
	}
	q.BlockStart = row.BlockStart
	q.BlockEnd = row.BlockEnd
	return q, nil
}

const questionColumns = "exam_id, question_number, prompt, choices, answer, explanation, flags, block_start, block_end"

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryQuestions(ctx context.Context, q queryer, examID string) ([]QuestionRecord, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+questionColumns+" FROM questions WHERE exam_id = ? ORDER BY question_number", examID)
	if err != nil {
		return nil, fmt.Errorf("failed to get questions: %w", err)
	}
	defer rows.Close()

	var questions []QuestionRecord
	for rows.Next() {
		question, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, question)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating questions: %w", err)
	}
	return questions, nil
}

// ListQuestions returns every stored question of an exam by number.
func (db *DB) ListQuestions(ctx context.Context, examID string) ([]QuestionRecord, error) {
	return queryQuestions(ctx, db.db, examID)
}

// SplitQuestionID reverses QuestionID.
func SplitQuestionID(id string) (examID string, number int, err error) {
	i := strings.LastIndex(id, "#")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid question id %q", id)
	}
	number, err = strconv.Atoi(id[i+1:])
	if err != nil || number <= 0 {
		return "", 0, fmt.Errorf("invalid question id %q", id)
	}
	return id[:i], number, nil
}

// GetQuestion retrieves a question by its question id
func (db *DB) GetQuestion(ctx context.Context, questionID string) (*QuestionRecord, error) {
	examID, number, err := SplitQuestionID(questionID)
	if err != nil {
		return nil, err
	}
	q, err := scanQuestion(db.db.QueryRowContext(ctx,
		"SELECT "+questionColumns+" FROM questions WHERE exam_id = ? AND question_number = ?",
		examID, number))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	return &q, nil
}

// QuestionExists checks if a question id is stored
func (db *DB) QuestionExists(ctx context.Context, questionID string) (bool, error) {
	examID, number, err := SplitQuestionID(questionID)
	if err != nil {
		return false, err
	}
	var exists bool
	err = db.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM questions WHERE exam_id = ? AND question_number = ?)",
		examID, number).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if question exists: %w", err)
	}
	return exists, nil
}

// SaveReport stores the report of one ingestion run.
func (db *DB) SaveReport(ctx context.Context, report *ValidationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingestion_runs (run_id, exam_id, started_at, finished_at, report) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET finished_at = excluded.finished_at, report = excluded.report`,
			report.RunID, report.ExamID, toNanos(report.StartedAt), toNanos(report.FinishedAt), string(data))
		if err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		return nil
	})
}

// GetReport loads the report of one ingestion run.
func (db *DB) GetReport(ctx context.Context, runID string) (*ValidationReport, error) {
	var data string
	err := db.db.QueryRowContext(ctx, "SELECT report FROM ingestion_runs WHERE run_id = ?", runID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("report %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	var report ValidationReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

// ListReports returns run ids for an exam, newest first.
func (db *DB) ListReports(ctx context.Context, examID string, limit int) ([]string, error) {
	query := "SELECT run_id FROM ingestion_runs WHERE exam_id = ? ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.db.QueryContext(ctx, query, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan report id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
