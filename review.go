package examprep

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReviewService records learner answers and serves due lists.
// Reviews of the same (learner, question) pair are serialized in-process and
// applied in event-timestamp order whatever order they arrive in.
type ReviewService struct {
	db        *DB
	scheduler *Scheduler
	keys      *keyLock
	log       *Logger
}

func NewReviewService(db *DB, scheduler *Scheduler, log *Logger) *ReviewService {
	return &ReviewService{db: db, scheduler: scheduler, keys: newKeyLock(), log: orNop(log)}
}

// RecordReview stores ev and returns the updated record. An event older than
// the last applied review triggers a replay of the pair's full history.
// Resubmitting an event id already stored is a no-op.
func (s *ReviewService) RecordReview(ctx context.Context, ev ReviewEvent) (ReviewRecord, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.At = ev.At.UTC()
	if err := s.scheduler.validate(nil, ev.Input()); err != nil {
		return ReviewRecord{}, err
	}

	unlock, err := s.keys.lock(ctx, ev.LearnerID+"\x00"+ev.QuestionID, true)
	if err != nil {
		return ReviewRecord{}, err
	}
	defer unlock()

	var out ReviewRecord
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := getReviewRecord(ctx, tx, ev.LearnerID, ev.QuestionID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO review_events (id, learner_id, question_id, correct, at, difficulty)
			 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			ev.ID, ev.LearnerID, ev.QuestionID, ev.Correct, toNanos(ev.At), ev.Difficulty)
		if err != nil {
			return fmt.Errorf("failed to store review event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 && prev != nil {
			VerboseLog("review event %s already recorded", ev.ID)
			out = *prev
			return nil
		}

		var next ReviewRecord
		if prev == nil || ev.At.After(prev.LastReviewed) {
			next, err = s.scheduler.Schedule(prev, ev.Input())
			if err != nil {
				return err
			}
		} else {
			events, err := listReviewEvents(ctx, tx, ev.LearnerID, ev.QuestionID)
			if err != nil {
				return err
			}
			s.log.Debug("replaying review history", "learner", ev.LearnerID, "question", ev.QuestionID,
				"events", len(events), "late_event", ev.ID)
			rec, err := s.scheduler.Replay(ev.LearnerID, ev.QuestionID, events)
			if err != nil {
				return err
			}
			next = *rec
		}
		if err := putReviewRecord(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return ReviewRecord{}, err
	}
	return out, nil
}

// GetReviewRecord returns the record for one pair or ErrNotFound.
func (s *ReviewService) GetReviewRecord(ctx context.Context, learnerID, questionID string) (*ReviewRecord, error) {
	rec, err := getReviewRecord(ctx, s.db.db, learnerID, questionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("review record %s/%s: %w", learnerID, questionID, ErrNotFound)
	}
	return rec, nil
}

// DueQuestions lists a learner's records due at now, earliest first, ties by
// question id. limit <= 0 means no limit.
func (s *ReviewService) DueQuestions(ctx context.Context, learnerID string, now time.Time, limit int) ([]ReviewRecord, error) {
	query := "SELECT " + reviewColumns + ` FROM review_records
		WHERE learner_id = ? AND next_due <= ?
		ORDER BY next_due ASC, question_id ASC`
	args := []interface{}{learnerID, toNanos(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get due questions: %w", err)
	}
	defer rows.Close()

	var due []ReviewRecord
	for rows.Next() {
		rec, err := scanReviewRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review record: %w", err)
		}
		due = append(due, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review records: %w", err)
	}
	return due, nil
}

// DeleteLearnerData removes every review record and event of a learner and
// returns the number of records removed.
func (s *ReviewService) DeleteLearnerData(ctx context.Context, learnerID string) (int64, error) {
	var removed int64
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM review_records WHERE learner_id = ?", learnerID)
		if err != nil {
			return fmt.Errorf("failed to delete review records: %w", err)
		}
		removed, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, "DELETE FROM review_events WHERE learner_id = ?", learnerID); err != nil {
			return fmt.Errorf("failed to delete review events: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("learner data deleted", "learner", learnerID, "records", removed)
	return removed, nil
}

const reviewColumns = "learner_id, question_id, state, last_reviewed, next_due, interval_ns, ease, streak, attempts"

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getReviewRecord(ctx context.Context, q rowQueryer, learnerID, questionID string) (*ReviewRecord, error) {
	rec, err := scanReviewRecord(q.QueryRowContext(ctx,
		"SELECT "+reviewColumns+" FROM review_records WHERE learner_id = ? AND question_id = ?",
		learnerID, questionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get review record: %w", err)
	}
	return &rec, nil
}

func scanReviewRecord(s rowScanner) (ReviewRecord, error) {
	var (
		r                     ReviewRecord
		state                 string
		last, due, intervalNs int64
	)
	if err := s.Scan(&r.LearnerID, &r.QuestionID, &state, &last, &due, &intervalNs, &r.Ease, &r.Streak, &r.Attempts); err != nil {
		return r, err
	}
	r.State = ReviewState(state)
	r.LastReviewed = fromNanos(last)
	r.NextDue = fromNanos(due)
	r.Interval = time.Duration(intervalNs)
	return r, nil
}

func putReviewRecord(ctx context.Context, tx *sql.Tx, r ReviewRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO review_records (`+reviewColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(learner_id, question_id) DO UPDATE SET
		   state = excluded.state, last_reviewed = excluded.last_reviewed, next_due = excluded.next_due,
		   interval_ns = excluded.interval_ns, ease = excluded.ease, streak = excluded.streak,
		   attempts = excluded.attempts`,
		r.LearnerID, r.QuestionID, string(r.State), toNanos(r.LastReviewed), toNanos(r.NextDue),
		int64(r.Interval), r.Ease, r.Streak, r.Attempts)
	if err != nil {
		return fmt.Errorf("failed to store review record: %w", err)
	}
	return nil
}

func listReviewEvents(ctx context.Context, tx *sql.Tx, learnerID, questionID string) ([]ReviewEvent, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, learner_id, question_id, correct, at, difficulty FROM review_events
		 WHERE learner_id = ? AND question_id = ? ORDER BY at, id`,
		learnerID, questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review events: %w", err)
	}
	defer rows.Close()

	var events []ReviewEvent
	for rows.Next() {
		var (
			ev ReviewEvent
			at int64
		)
		if err := rows.Scan(&ev.ID, &ev.LearnerID, &ev.QuestionID, &ev.Correct, &at, &ev.Difficulty); err != nil {
			return nil, fmt.Errorf("failed to scan review event: %w", err)
		}
		ev.At = fromNanos(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}
