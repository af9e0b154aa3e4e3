package examprep

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reason names why a block or record ended up in the report.
type Reason string

const (
	ReasonUnparsableResponse    Reason = "UnparsableResponse"
	ReasonMissingQuestionNumber Reason = "MissingQuestionNumber"
	ReasonMissingPrompt         Reason = "MissingPrompt"
	ReasonTooFewChoices         Reason = "TooFewChoices"
	ReasonDuplicateChoiceLabel  Reason = "DuplicateChoiceLabel"
	ReasonEmptyChoices          Reason = "EmptyChoices"
	ReasonMissingAnswer         Reason = "MissingAnswer"
	ReasonInvalidAnswerLabel    Reason = "InvalidAnswerLabel"
	ReasonNoQuestionExtracted   Reason = "NoQuestionExtracted"
	ReasonModelTimeout          Reason = "ModelTimeout"
	ReasonModelQuotaExceeded    Reason = "ModelQuotaExceeded"
	ReasonModelRefusal          Reason = "ModelRefusal"
	ReasonModelError            Reason = "ModelError"

	ReasonLowConfidenceExplanation Reason = Reason(FlagLowConfidenceExplanation)
	ReasonDuplicateQuestionNumber  Reason = "DuplicateQuestionNumber"
)

// Severity grades an Issue.
type Severity string

const (
	SeverityRejected Severity = "rejected" // the block produced no record
	SeverityFlagged  Severity = "flagged"  // the record was stored with a flag
	SeverityWarning  Severity = "warning"
)

// Issue is one report line, traceable to a block by its offsets.
type Issue struct {
	Kind           Reason   `json:"kind"`
	Severity       Severity `json:"severity"`
	QuestionNumber int      `json:"question_number,omitempty"`
	BlockStart     int      `json:"block_start"`
	BlockEnd       int      `json:"block_end"`
	Page           int      `json:"page,omitempty"`
	Detail         string   `json:"detail,omitempty"`
	Raw            string   `json:"raw,omitempty"`
	Offset         int64    `json:"offset,omitempty"`
	Retryable      bool     `json:"retryable,omitempty"`
}

func (i Issue) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s [%d-%d]", i.Severity, i.Kind, i.BlockStart, i.BlockEnd)
	if i.QuestionNumber > 0 {
		fmt.Fprintf(&sb, " q%d", i.QuestionNumber)
	}
	if i.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(i.Detail)
	}
	return sb.String()
}

// ValidationReport accounts for every block of one ingestion run.
type ValidationReport struct {
	RunID      string    `json:"run_id"`
	ExamID     string    `json:"exam_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Blocks     int       `json:"blocks"`
	Batches    int       `json:"batches"`
	Accepted   int       `json:"accepted"`
	Stored     int       `json:"stored"`
	TokensUsed int       `json:"tokens_used"`
	Issues     []Issue   `json:"issues"`
	Error      string    `json:"error,omitempty"`
}

// Summary is the count view of a report.
type Summary struct {
	Blocks   int            `json:"blocks"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Flagged  int            `json:"flagged"`
	Warnings int            `json:"warnings"`
	ByKind   map[Reason]int `json:"by_kind"`
}

func (r *ValidationReport) Summary() Summary {
	s := Summary{Blocks: r.Blocks, Accepted: r.Accepted, ByKind: make(map[Reason]int)}
	for _, is := range r.Issues {
		s.ByKind[is.Kind]++
		switch is.Severity {
		case SeverityRejected:
			s.Rejected++
		case SeverityFlagged:
			s.Flagged++
		default:
			s.Warnings++
		}
	}
	return s
}

func (s Summary) String() string {
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.ByKind[Reason(k)]))
	}
	return fmt.Sprintf("blocks=%d accepted=%d rejected=%d flagged=%d warnings=%d [%s]",
		s.Blocks, s.Accepted, s.Rejected, s.Flagged, s.Warnings, strings.Join(parts, " "))
}

func (r *ValidationReport) addIssues(issues ...Issue) {
	r.Issues = append(r.Issues, issues...)
}

// addFlags records one flagged issue per flag on each accepted record.
func (r *ValidationReport) addFlags(records []QuestionRecord) {
	for _, rec := range records {
		for _, f := range rec.Flags {
			r.Issues = append(r.Issues, Issue{
				Kind:           Reason(f),
				Severity:       SeverityFlagged,
				QuestionNumber: rec.Number,
				BlockStart:     rec.BlockStart,
				BlockEnd:       rec.BlockEnd,
			})
		}
	}
}

// sortIssues orders issues by source position so reports diff cleanly across runs.
func (r *ValidationReport) sortIssues() {
	sort.SliceStable(r.Issues, func(i, j int) bool {
		a, b := r.Issues[i], r.Issues[j]
		if a.BlockStart != b.BlockStart {
			return a.BlockStart < b.BlockStart
		}
		return a.QuestionNumber < b.QuestionNumber
	})
}
