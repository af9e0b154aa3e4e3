package examprep

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// SchedulerConfig configures a Scheduler.
// Zero values produce the defaults noted per field.
type SchedulerConfig struct {
	BaselineEase     float64       `json:"baseline_ease" yaml:"baseline_ease"`         // zero → 2.5
	MinEase          float64       `json:"min_ease" yaml:"min_ease"`                   // zero → 1.3
	MaxEase          float64       `json:"max_ease" yaml:"max_ease"`                   // zero → 3.0
	EaseGrowth       float64       `json:"ease_growth" yaml:"ease_growth"`             // zero → 0.15, fraction of the gap to MaxEase
	LapsePenalty     float64       `json:"lapse_penalty" yaml:"lapse_penalty"`         // zero → 0.2
	RetryInterval    time.Duration `json:"retry_interval" yaml:"retry_interval"`       // zero → 10m, first answer incorrect
	MinInterval      time.Duration `json:"min_interval" yaml:"min_interval"`           // zero → 24h
	MaxInterval      time.Duration `json:"max_interval" yaml:"max_interval"`           // zero → 365 days
	GraduationStreak int           `json:"graduation_streak" yaml:"graduation_streak"` // zero → 3
}

// Scheduler computes the next review state with an SM-2 style policy.
// It holds no mutable state and is safe for concurrent use.
type Scheduler struct {
	cfg SchedulerConfig
}

// NewScheduler creates a Scheduler from cfg, filling zero fields with defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.BaselineEase == 0 {
		cfg.BaselineEase = 2.5
	}
	if cfg.MinEase == 0 {
		cfg.MinEase = 1.3
	}
	if cfg.MaxEase == 0 {
		cfg.MaxEase = 3.0
	}
	if cfg.EaseGrowth == 0 {
		cfg.EaseGrowth = 0.15
	}
	if cfg.LapsePenalty == 0 {
		cfg.LapsePenalty = 0.2
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 10 * time.Minute
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = 24 * time.Hour
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 365 * 24 * time.Hour
	}
	if cfg.GraduationStreak == 0 {
		cfg.GraduationStreak = 3
	}

	switch {
	case cfg.MinEase < 1:
		return nil, fmt.Errorf("%w: min ease %g must be at least 1", ErrInvalidConfig, cfg.MinEase)
	case cfg.MaxEase < cfg.MinEase:
		return nil, fmt.Errorf("%w: max ease %g below min ease %g", ErrInvalidConfig, cfg.MaxEase, cfg.MinEase)
	case cfg.BaselineEase < cfg.MinEase || cfg.BaselineEase > cfg.MaxEase:
		return nil, fmt.Errorf("%w: baseline ease %g outside [%g, %g]", ErrInvalidConfig, cfg.BaselineEase, cfg.MinEase, cfg.MaxEase)
	case cfg.EaseGrowth < 0 || cfg.EaseGrowth >= 1:
		return nil, fmt.Errorf("%w: ease growth %g out of range [0, 1)", ErrInvalidConfig, cfg.EaseGrowth)
	case cfg.LapsePenalty < 0:
		return nil, fmt.Errorf("%w: lapse penalty %g must not be negative", ErrInvalidConfig, cfg.LapsePenalty)
	case cfg.RetryInterval < 0 || cfg.MinInterval < 0:
		return nil, fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	case cfg.MaxInterval < cfg.MinInterval:
		return nil, fmt.Errorf("%w: max interval %s below min interval %s", ErrInvalidConfig, cfg.MaxInterval, cfg.MinInterval)
	case cfg.GraduationStreak < 1:
		return nil, fmt.Errorf("%w: graduation streak %d must be positive", ErrInvalidConfig, cfg.GraduationStreak)
	}
	return &Scheduler{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() SchedulerConfig { return s.cfg }

// ReviewInput is one graded answer.
type ReviewInput struct {
	LearnerID  string
	QuestionID string
	Correct    bool
	At         time.Time
	Difficulty float64 // in [0,1]; higher damps interval growth
}

// Input converts an event to scheduler input.
func (e ReviewEvent) Input() ReviewInput {
	return ReviewInput{
		LearnerID:  e.LearnerID,
		QuestionID: e.QuestionID,
		Correct:    e.Correct,
		At:         e.At,
		Difficulty: e.Difficulty,
	}
}

// Review times are stored as Unix nanoseconds, with 0 meaning unset. The upper
// bound keeps NextDue representable after the longest interval.
var (
	earliestReviewTime = time.Unix(0, 0)
	latestReviewTime   = time.Date(2261, 1, 1, 0, 0, 0, 0, time.UTC)
)

func (s *Scheduler) validate(prev *ReviewRecord, in ReviewInput) error {
	switch {
	case in.LearnerID == "" || in.QuestionID == "":
		return fmt.Errorf("%w: learner and question ids are required", ErrInvalidReview)
	case !in.At.After(earliestReviewTime) || !in.At.Before(latestReviewTime):
		return fmt.Errorf("%w: review timestamp %s", ErrInvalidReview, in.At)
	case math.IsNaN(in.Difficulty) || in.Difficulty < 0 || in.Difficulty > 1:
		return fmt.Errorf("%w: difficulty %g out of range [0, 1]", ErrInvalidReview, in.Difficulty)
	}
	if prev == nil {
		return nil
	}
	switch {
	case prev.LearnerID != in.LearnerID || prev.QuestionID != in.QuestionID:
		return fmt.Errorf("%w: record %s/%s does not match review %s/%s",
			ErrInvalidReview, prev.LearnerID, prev.QuestionID, in.LearnerID, in.QuestionID)
	case in.At.Before(prev.LastReviewed):
		return fmt.Errorf("%w: review at %s precedes last review %s", ErrInvalidReview, in.At, prev.LastReviewed)
	case prev.Ease <= 0 || math.IsNaN(prev.Ease) || prev.Interval < 0 || prev.Streak < 0 || prev.Attempts < 0:
		return fmt.Errorf("%w: corrupt review record %s/%s", ErrInvalidReview, prev.LearnerID, prev.QuestionID)
	}
	return nil
}

// Schedule applies one answer to prev (nil on first exposure) and returns the
// new record. prev is never modified; invalid input returns ErrInvalidReview.
func (s *Scheduler) Schedule(prev *ReviewRecord, in ReviewInput) (ReviewRecord, error) {
	if err := s.validate(prev, in); err != nil {
		return ReviewRecord{}, err
	}

	var r ReviewRecord
	if prev == nil {
		r = ReviewRecord{
			LearnerID:  in.LearnerID,
			QuestionID: in.QuestionID,
			State:      StateNew,
			Ease:       s.cfg.BaselineEase,
		}
	} else {
		r = *prev
	}
	r.Attempts++
	r.LastReviewed = in.At

	if in.Correct {
		s.applyCorrect(&r, in.Difficulty)
	} else {
		s.applyIncorrect(&r)
	}
	r.NextDue = in.At.Add(r.Interval)
	return r, nil
}

func (s *Scheduler) applyCorrect(r *ReviewRecord, difficulty float64) {
	r.Streak++
	if r.State == StateNew {
		r.Interval = s.cfg.MinInterval
		r.State = StateLearning
		s.graduate(r)
		return
	}

	r.Ease = math.Min(s.cfg.MaxEase, r.Ease+s.cfg.EaseGrowth*(s.cfg.MaxEase-r.Ease))
	ease := 1 + (r.Ease-1)*(1-difficulty/2)
	r.Interval = s.clamp(time.Duration(float64(r.Interval) * ease))

	if r.State == StateLapsed {
		r.State = StateLearning
	}
	s.graduate(r)
}

func (s *Scheduler) graduate(r *ReviewRecord) {
	if r.State == StateLearning && r.Streak >= s.cfg.GraduationStreak {
		r.State = StateReviewing
	}
}

func (s *Scheduler) applyIncorrect(r *ReviewRecord) {
	r.Streak = 0
	if r.State == StateNew {
		r.Interval = s.cfg.RetryInterval
		return
	}
	r.Ease = math.Max(s.cfg.MinEase, r.Ease-s.cfg.LapsePenalty)
	r.Interval = s.cfg.MinInterval
	if r.State == StateReviewing {
		r.State = StateLapsed
	}
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	d = d.Round(time.Second)
	if d < s.cfg.MinInterval {
		return s.cfg.MinInterval
	}
	if d > s.cfg.MaxInterval {
		return s.cfg.MaxInterval
	}
	return d
}

// SortEvents orders events by timestamp, ties by event id.
func SortEvents(events []ReviewEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].At.Equal(events[j].At) {
			return events[i].At.Before(events[j].At)
		}
		return events[i].ID < events[j].ID
	})
}

// Replay rebuilds the record of one (learner, question) pair from its full
// event history. The result depends only on the set of events, not on the
// order they are passed in. It returns nil when events is empty.
func (s *Scheduler) Replay(learnerID, questionID string, events []ReviewEvent) (*ReviewRecord, error) {
	sorted := make([]ReviewEvent, len(events))
	copy(sorted, events)
	SortEvents(sorted)

	var rec *ReviewRecord
	for _, ev := range sorted {
		if ev.LearnerID != learnerID || ev.QuestionID != questionID {
			return nil, fmt.Errorf("%w: event %s belongs to %s/%s", ErrInvalidReview, ev.ID, ev.LearnerID, ev.QuestionID)
		}
		next, err := s.Schedule(rec, ev.Input())
		if err != nil {
			return nil, fmt.Errorf("failed to replay event %s: %w", ev.ID, err)
		}
		rec = &next
	}
	return rec, nil
}
