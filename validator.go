package examprep

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Rejection explains why a block or response item produced no record.
type Rejection struct {
	Reason     Reason
	Detail     string
	Raw        string
	Offset     int64
	Number     int
	BlockStart int
	BlockEnd   int
	Page       int
	Retryable  bool
}

// Issue converts the rejection into a report line.
func (r *Rejection) Issue() Issue {
	return Issue{
		Kind:           r.Reason,
		Severity:       SeverityRejected,
		QuestionNumber: r.Number,
		BlockStart:     r.BlockStart,
		BlockEnd:       r.BlockEnd,
		Page:           r.Page,
		Detail:         r.Detail,
		Raw:            r.Raw,
		Offset:         r.Offset,
		Retryable:      r.Retryable,
	}
}

// Outcome holds exactly one of Record or Rejection.
type Outcome struct {
	Record    *QuestionRecord
	Rejection *Rejection
}

func (o Outcome) Accepted() bool { return o.Record != nil }

// ConfidenceScorer assigns quality flags to an otherwise valid record.
type ConfidenceScorer func(rec *QuestionRecord) []Flag

// ExplanationLengthScorer flags records whose explanation is missing or
// shorter than min runes.
func ExplanationLengthScorer(min int) ConfidenceScorer {
	return func(rec *QuestionRecord) []Flag {
		if rec.Explanation == nil || utf8.RuneCountInString(*rec.Explanation) < min {
			return []Flag{FlagLowConfidenceExplanation}
		}
		return nil
	}
}

// Validator turns model output into records and rejections.
type Validator struct {
	scorer ConfidenceScorer
}

// NewValidator returns a validator using scorer, or the default explanation
// length scorer when scorer is nil.
func NewValidator(scorer ConfidenceScorer) *Validator {
	if scorer == nil {
		scorer = ExplanationLengthScorer(DefaultCategoryConfig().MinExplanationLength)
	}
	return &Validator{scorer: scorer}
}

// ValidateExtraction validates a finished extraction, turning model failures
// into one rejection per block.
func (v *Validator) ValidateExtraction(examID string, ex *Extraction) []Outcome {
	if ex.Err == nil {
		return v.ValidateResponse(examID, ex.Blocks, ex.Raw)
	}
	reason := ReasonModelError
	switch {
	case errors.Is(ex.Err, ErrModelTimeout):
		reason = ReasonModelTimeout
	case errors.Is(ex.Err, ErrModelQuotaExceeded):
		reason = ReasonModelQuotaExceeded
	case errors.Is(ex.Err, ErrModelRefusal):
		reason = ReasonModelRefusal
	}
	out := make([]Outcome, 0, len(ex.Blocks))
	for _, b := range ex.Blocks {
		out = append(out, Outcome{Rejection: &Rejection{
			Reason:     reason,
			Detail:     fmt.Sprintf("%v after %d attempt(s)", ex.Err, ex.Attempts),
			Raw:        ex.Raw,
			Number:     b.Number,
			BlockStart: b.Start,
			BlockEnd:   b.End,
			Page:       b.Page,
			Retryable:  ex.Retryable,
		}})
	}
	return out
}

// ValidateResponse repairs raw and validates every question in it against the
// blocks it was extracted from. Every block with a known number is accounted
// for by at least one outcome.
func (v *Validator) ValidateResponse(examID string, blocks []CandidateBlock, raw string) []Outcome {
	repaired, err := RepairJSON(raw)
	if err != nil {
		var offset int64
		var pe *ParseError
		if errors.As(err, &pe) {
			offset = pe.Offset
		}
		return rejectAll(blocks, ReasonUnparsableResponse, err.Error(), raw, offset)
	}

	items, err := responseItems(repaired)
	if err != nil {
		return rejectAll(blocks, ReasonUnparsableResponse, err.Error(), raw, 0)
	}
	if len(items) == 0 {
		return rejectAll(blocks, ReasonNoQuestionExtracted, "response holds no questions", raw, 0)
	}

	var out []Outcome
	seen := make(map[int]bool)
	for _, item := range items {
		o := v.validateItem(examID, blocks, item)
		if o.Record != nil {
			seen[o.Record.Number] = true
		} else if o.Rejection.Number > 0 {
			seen[o.Rejection.Number] = true
		}
		out = append(out, o)
	}
	for _, b := range blocks {
		if b.Number > 0 && !seen[b.Number] {
			out = append(out, Outcome{Rejection: &Rejection{
				Reason:     ReasonNoQuestionExtracted,
				Detail:     fmt.Sprintf("no question %d in response", b.Number),
				Number:     b.Number,
				BlockStart: b.Start,
				BlockEnd:   b.End,
				Page:       b.Page,
			}})
		}
	}
	return out
}

func rejectAll(blocks []CandidateBlock, reason Reason, detail, raw string, offset int64) []Outcome {
	out := make([]Outcome, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, Outcome{Rejection: &Rejection{
			Reason:     reason,
			Detail:     detail,
			Raw:        raw,
			Offset:     offset,
			Number:     b.Number,
			BlockStart: b.Start,
			BlockEnd:   b.End,
			Page:       b.Page,
		}})
	}
	return out
}

// responseItems accepts {"questions": [...]}, a bare array, or one question object.
func responseItems(repaired string) ([]json.RawMessage, error) {
	data := bytes.TrimSpace([]byte(repaired))
	if len(data) == 0 {
		return nil, errors.New("empty response")
	}
	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to decode question list: %w", err)
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode response object: %w", err)
		}
		list, ok := field(obj, "questions", "items", "results")
		if !ok {
			return []json.RawMessage{data}, nil
		}
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, fmt.Errorf("failed to decode question list: %w", err)
		}
	default:
		return nil, fmt.Errorf("unexpected JSON value %q", data[:1])
	}
	return items, nil
}

func (v *Validator) validateItem(examID string, blocks []CandidateBlock, item json.RawMessage) Outcome {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(item, &obj); err != nil {
		start, end, page := batchSpan(blocks)
		return Outcome{Rejection: &Rejection{
			Reason: ReasonUnparsableResponse, Detail: "question entry is not an object",
			Raw: string(item), BlockStart: start, BlockEnd: end, Page: page,
		}}
	}

	number := 0
	if raw, ok := field(obj, "qNo", "q_no", "number", "question_number", "questionNumber", "no"); ok {
		number = parseQuestionNumber(valueString(raw))
	}
	if number <= 0 && len(blocks) == 1 {
		number = blocks[0].Number
	}

	start, end, page := batchSpan(blocks)
	for _, b := range blocks {
		if b.Number > 0 && b.Number == number {
			start, end, page = b.Start, b.End, b.Page
			break
		}
	}
	reject := func(reason Reason, detail string) Outcome {
		return Outcome{Rejection: &Rejection{
			Reason: reason, Detail: detail, Raw: string(item),
			Number: number, BlockStart: start, BlockEnd: end, Page: page,
		}}
	}

	if number <= 0 {
		return reject(ReasonMissingQuestionNumber, "question number missing or not a positive integer")
	}

	var prompt string
	if raw, ok := field(obj, "prompt", "question", "text", "stem"); ok {
		prompt = strings.TrimSpace(valueString(raw))
	}
	if prompt == "" {
		return reject(ReasonMissingPrompt, "prompt is empty")
	}

	var choices []Choice
	if raw, ok := field(obj, "choices", "options"); ok {
		var err error
		choices, err = parseChoices(raw)
		if err != nil {
			return reject(ReasonTooFewChoices, err.Error())
		}
	}
	if len(choices) < 2 {
		return reject(ReasonTooFewChoices, fmt.Sprintf("%d choice(s), need at least 2", len(choices)))
	}
	labels := make(map[string]bool, len(choices))
	filled := 0
	for i := range choices {
		choices[i].Label = normalizeLabel(choices[i].Label)
		choices[i].Text = strings.TrimSpace(choices[i].Text)
		if choices[i].Label == "" {
			return reject(ReasonDuplicateChoiceLabel, fmt.Sprintf("choice %d has an empty label", i+1))
		}
		if labels[choices[i].Label] {
			return reject(ReasonDuplicateChoiceLabel, fmt.Sprintf("label %q appears twice", choices[i].Label))
		}
		labels[choices[i].Label] = true
		if choices[i].Text != "" {
			filled++
		}
	}
	if filled < 2 {
		return reject(ReasonEmptyChoices, fmt.Sprintf("%d choice(s) with text, need at least 2", filled))
	}

	var answer string
	if raw, ok := field(obj, "answer", "correct", "correct_answer", "correctAnswer"); ok {
		answer = valueString(raw)
	}
	if strings.TrimSpace(answer) == "" {
		return reject(ReasonMissingAnswer, "answer is empty")
	}
	label := normalizeAnswer(answer, labels)
	if !labels[label] {
		return reject(ReasonInvalidAnswerLabel,
			fmt.Sprintf("answer %q is not one of the choice labels", strings.TrimSpace(answer)))
	}

	rec := &QuestionRecord{
		Exam:       examID,
		Number:     number,
		Prompt:     prompt,
		Choices:    choices,
		Answer:     label,
		BlockStart: start,
		BlockEnd:   end,
	}
	if raw, ok := field(obj, "explanation", "rationale"); ok {
		if text := strings.TrimSpace(valueString(raw)); text != "" {
			rec.Explanation = &text
		}
	}
	rec.Flags = v.scorer(rec)
	return Outcome{Record: rec}
}

func field(obj map[string]json.RawMessage, names ...string) (json.RawMessage, bool) {
	for _, n := range names {
		if raw, ok := obj[n]; ok && !isNull(raw) {
			return raw, true
		}
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// valueString renders a scalar JSON value as text. Objects and arrays yield "".
func valueString(raw json.RawMessage) string {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return ""
	}
	switch t[0] {
	case '"':
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return ""
		}
		return s
	case '{', '[':
		return ""
	}
	return string(t)
}

func parseQuestionNumber(s string) int {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "Qq#")
	s = strings.TrimRight(s, ".) ")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

var labelledChoice = regexp.MustCompile(`^\s*\(?([A-Za-z])[.):]\s+(.*)$`)

// parseChoices reads choices in source order from an object keyed by label,
// an array of {label, text} objects, or an array of strings.
func parseChoices(raw json.RawMessage) ([]Choice, error) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return nil, nil
	}
	switch t[0] {
	case '{':
		dec := json.NewDecoder(bytes.NewReader(t))
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("failed to read choices: %w", err)
		}
		var choices []Choice
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("failed to read choice label: %w", err)
			}
			key, _ := tok.(string)
			var v json.RawMessage
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("failed to read choice %q: %w", key, err)
			}
			choices = append(choices, Choice{Label: key, Text: choiceText(v)})
		}
		return choices, nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(t, &elems); err != nil {
			return nil, fmt.Errorf("failed to read choices: %w", err)
		}
		choices := make([]Choice, 0, len(elems))
		for i, el := range elems {
			et := bytes.TrimSpace(el)
			if len(et) > 0 && et[0] == '{' {
				var m map[string]json.RawMessage
				if err := json.Unmarshal(et, &m); err != nil {
					return nil, fmt.Errorf("failed to read choice %d: %w", i+1, err)
				}
				c := Choice{Text: choiceText(et)}
				if l, ok := field(m, "label", "key", "letter", "id"); ok {
					c.Label = valueString(l)
				}
				if c.Label == "" {
					c.Label = letterLabel(i)
				}
				choices = append(choices, c)
				continue
			}
			s := valueString(et)
			if m := labelledChoice.FindStringSubmatch(s); m != nil {
				choices = append(choices, Choice{Label: m[1], Text: m[2]})
			} else {
				choices = append(choices, Choice{Label: letterLabel(i), Text: s})
			}
		}
		return choices, nil
	}
	return nil, fmt.Errorf("choices must be an object or an array")
}

func choiceText(raw json.RawMessage) string {
	t := bytes.TrimSpace(raw)
	if len(t) > 0 && t[0] == '{' {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(t, &m); err != nil {
			return ""
		}
		if v, ok := field(m, "text", "value", "content", "option"); ok {
			return valueString(v)
		}
		return ""
	}
	return valueString(t)
}

func letterLabel(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return strconv.Itoa(i + 1)
}

// normalizeLabel maps "(b)", "B.", " b) " and "Option B" to "B".
func normalizeLabel(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "OPTION ")
	s = strings.TrimPrefix(s, "CHOICE ")
	s = strings.Trim(s, "()[] ")
	s = strings.TrimRight(s, ".):")
	return strings.TrimSpace(s)
}

// normalizeAnswer normalizes an answer, falling back to the leading label of
// answers written as "B. text".
func normalizeAnswer(answer string, labels map[string]bool) string {
	label := normalizeLabel(answer)
	if labels[label] {
		return label
	}
	if m := labelledChoice.FindStringSubmatch(answer); m != nil {
		return normalizeLabel(m[1])
	}
	return label
}

// batchSpan is the source span covered by a whole batch.
func batchSpan(blocks []CandidateBlock) (start, end, page int) {
	if len(blocks) == 0 {
		return 0, 0, 0
	}
	return blocks[0].Start, blocks[len(blocks)-1].End, blocks[0].Page
}
