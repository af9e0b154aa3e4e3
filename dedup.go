package examprep

import "fmt"

// DedupDecision records how one repeated question number was resolved.
type DedupDecision struct {
	Number   int
	Kept     QuestionRecord
	Dropped  QuestionRecord
	Replaced bool // the later record displaced the earlier one
}

// Issue renders the decision as a report warning against the dropped block.
func (d DedupDecision) Issue() Issue {
	action := "kept first"
	if d.Replaced {
		action = "replaced flagged record with later unflagged one"
	}
	return Issue{
		Kind:           ReasonDuplicateQuestionNumber,
		Severity:       SeverityWarning,
		QuestionNumber: d.Number,
		BlockStart:     d.Dropped.BlockStart,
		BlockEnd:       d.Dropped.BlockEnd,
		Detail: fmt.Sprintf("%s; kept block %d-%d, dropped block %d-%d",
			action, d.Kept.BlockStart, d.Kept.BlockEnd, d.Dropped.BlockStart, d.Dropped.BlockEnd),
	}
}

// Deduplicate keeps one record per question number. records must be in
// document order. A later record wins only when it is unflagged and the
// earlier one is flagged; otherwise the first seen is kept. The result keeps
// first-appearance order.
func Deduplicate(records []QuestionRecord) ([]QuestionRecord, []DedupDecision) {
	index := make(map[int]int, len(records))
	out := make([]QuestionRecord, 0, len(records))
	var decisions []DedupDecision
	for _, rec := range records {
		i, ok := index[rec.Number]
		if !ok {
			index[rec.Number] = len(out)
			out = append(out, rec)
			continue
		}
		prev := out[i]
		if !prev.Confident() && rec.Confident() {
			out[i] = rec
			decisions = append(decisions, DedupDecision{Number: rec.Number, Kept: rec, Dropped: prev, Replaced: true})
			continue
		}
		decisions = append(decisions, DedupDecision{Number: rec.Number, Kept: prev, Dropped: rec})
	}
	return out, decisions
}
