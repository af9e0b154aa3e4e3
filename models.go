package examprep

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExamID identifies one exam administration.
type ExamID struct {
	Category string `json:"category" yaml:"category"`
	Year     int    `json:"year" yaml:"year"`
	Season   string `json:"season" yaml:"season"`
	Shift    string `json:"shift" yaml:"shift"`
}

// String renders the id as category-year-season-shift. Empty trailing parts are dropped.
func (e ExamID) String() string {
	parts := []string{e.Category, strconv.Itoa(e.Year)}
	if e.Season != "" {
		parts = append(parts, e.Season)
	}
	if e.Shift != "" {
		parts = append(parts, e.Shift)
	}
	return strings.Join(parts, "-")
}

// ParseExamID parses ids like "nursing-2023-spring-1".
// The category may itself contain dashes; the year is the first all-digit part after it.
func ParseExamID(s string) (ExamID, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	for i := 1; i < len(parts); i++ {
		year, err := strconv.Atoi(parts[i])
		if err != nil || len(parts[i]) != 4 {
			continue
		}
		id := ExamID{Category: strings.Join(parts[:i], "-"), Year: year}
		rest := parts[i+1:]
		if len(rest) > 0 {
			id.Season = rest[0]
		}
		if len(rest) > 1 {
			id.Shift = strings.Join(rest[1:], "-")
		}
		if id.Category == "" {
			break
		}
		return id, nil
	}
	return ExamID{}, fmt.Errorf("invalid exam id %q: want category-year[-season[-shift]]", s)
}

// SourceDocument is the extracted text of one exam PDF. Treat it as immutable once loaded.
type SourceDocument struct {
	ID        string `json:"id"`
	Exam      ExamID `json:"exam"`
	Text      string `json:"-"`
	PageCount int    `json:"page_count"`
	// PageStarts holds the text offset at which each page begins.
	PageStarts []int `json:"page_starts"`
}

// NewSourceDocument builds a document from already-extracted page texts.
func NewSourceDocument(exam ExamID, pages []string) *SourceDocument {
	var sb strings.Builder
	starts := make([]int, 0, len(pages))
	for i, p := range pages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		starts = append(starts, sb.Len())
		sb.WriteString(p)
	}
	return &SourceDocument{
		ID:         exam.String(),
		Exam:       exam,
		Text:       sb.String(),
		PageCount:  len(pages),
		PageStarts: starts,
	}
}

// PageOf returns the 1-based page containing offset, or 0 when the document has no pages.
func (d *SourceDocument) PageOf(offset int) int {
	page := 0
	for i, start := range d.PageStarts {
		if start > offset {
			break
		}
		page = i + 1
	}
	return page
}

// CandidateBlock is a slice of document text believed to hold one question.
type CandidateBlock struct {
	DocumentID    string `json:"document_id"`
	Number        int    `json:"number,omitempty"` // parsed from the marker, 0 if absent
	Start         int    `json:"start"`
	End           int    `json:"end"`
	Page          int    `json:"page,omitempty"`
	ChoiceMarkers int    `json:"choice_markers"`
	Text          string `json:"-"`
}

// Choice is one labelled answer option.
type Choice struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Flag marks a quality concern on an accepted record.
type Flag string

const (
	FlagLowConfidenceExplanation Flag = "LowConfidenceExplanation"
)

// QuestionRecord is one validated multiple-choice question.
type QuestionRecord struct {
	Exam        string   `json:"exam_id"`
	Number      int      `json:"question_number"`
	Prompt      string   `json:"prompt"`
	Choices     []Choice `json:"choices"`
	Answer      string   `json:"answer"`
	Explanation *string  `json:"explanation"`
	Flags       []Flag   `json:"flags,omitempty"`
	BlockStart  int      `json:"block_start"`
	BlockEnd    int      `json:"block_end"`
}

// ID is the store-wide question identifier.
func (q *QuestionRecord) ID() string {
	return QuestionID(q.Exam, q.Number)
}

// Confident reports whether the record carries no quality flags.
func (q *QuestionRecord) Confident() bool {
	return len(q.Flags) == 0
}

// HasFlag reports whether f is set on the record.
func (q *QuestionRecord) HasFlag(f Flag) bool {
	for _, got := range q.Flags {
		if got == f {
			return true
		}
	}
	return false
}

// QuestionID joins an exam id and question number into a question id.
func QuestionID(examID string, number int) string {
	return fmt.Sprintf("%s#%03d", examID, number)
}

// ReviewState is the learning stage of a review record.
type ReviewState string

const (
	StateNew       ReviewState = "new"
	StateLearning  ReviewState = "learning"
	StateReviewing ReviewState = "reviewing"
	StateLapsed    ReviewState = "lapsed"
)

// ReviewRecord is one learner's scheduling state for one question.
type ReviewRecord struct {
	LearnerID    string        `json:"learner_id"`
	QuestionID   string        `json:"question_id"`
	State        ReviewState   `json:"state"`
	LastReviewed time.Time     `json:"last_reviewed"`
	NextDue      time.Time     `json:"next_due"`
	Interval     time.Duration `json:"interval"`
	Ease         float64       `json:"ease"`
	Streak       int           `json:"streak"`
	Attempts     int           `json:"attempts"`
}

// Due reports whether the record is due at now.
func (r *ReviewRecord) Due(now time.Time) bool {
	return !r.NextDue.After(now)
}

// ReviewEvent is one answer submitted by a learner.
type ReviewEvent struct {
	ID         string    `json:"id"`
	LearnerID  string    `json:"learner_id"`
	QuestionID string    `json:"question_id"`
	Correct    bool      `json:"correct"`
	At         time.Time `json:"at"`
	// Difficulty is the question's graded difficulty in [0,1]; 0 when not tracked.
	Difficulty float64 `json:"difficulty,omitempty"`
}
