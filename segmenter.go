package examprep

import (
	"fmt"
	"regexp"
	"strconv"
)

// PatternSet is the compiled, category-specific layout description.
type PatternSet struct {
	// Question matches a question-number marker at the start of a line.
	// Capture group 1, when present, is the question number.
	Question *regexp.Regexp
	// Choice matches an answer-choice marker.
	Choice *regexp.Regexp
}

// Segment splits doc into contiguous candidate blocks, one per question marker.
// Text before the first marker is treated as preamble and skipped.
// The result is deterministic for identical input.
func Segment(doc *SourceDocument, patterns PatternSet) ([]CandidateBlock, error) {
	if patterns.Question == nil {
		return nil, fmt.Errorf("%w: no question pattern", ErrInvalidConfig)
	}
	text := doc.Text
	matches := patterns.Question.FindAllStringSubmatchIndex(text, -1)
	starts := make([]int, 0, len(matches))
	numbers := make([]int, 0, len(matches))
	for _, m := range matches {
		start := lineStart(text, m[0])
		// A marker found mid-line (a pattern without ^) does not open a block.
		if !onlySpace(text[start:m[0]]) {
			continue
		}
		if len(starts) > 0 && starts[len(starts)-1] == start {
			continue
		}
		starts = append(starts, start)
		numbers = append(numbers, markerNumber(text, m))
	}
	if len(starts) == 0 {
		return nil, fmt.Errorf("%w: document %s has no question markers", ErrSegmentationFailure, doc.ID)
	}

	blocks := make([]CandidateBlock, 0, len(starts))
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		body := text[start:end]
		b := CandidateBlock{
			DocumentID: doc.ID,
			Number:     numbers[i],
			Start:      start,
			End:        end,
			Page:       doc.PageOf(start),
			Text:       body,
		}
		if patterns.Choice != nil {
			b.ChoiceMarkers = len(patterns.Choice.FindAllStringIndex(body, -1))
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func lineStart(text string, i int) int {
	for i > 0 && text[i-1] != '\n' {
		i--
	}
	return i
}

func onlySpace(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\f', '\v':
		default:
			return false
		}
	}
	return true
}

func markerNumber(text string, m []int) int {
	if len(m) < 4 || m[2] < 0 {
		return 0
	}
	n, err := strconv.Atoi(text[m[2]:m[3]])
	if err != nil {
		return 0
	}
	return n
}

// Batches groups blocks into consecutive runs of at most size blocks.
func Batches(blocks []CandidateBlock, size int) [][]CandidateBlock {
	if size < 1 {
		size = 1
	}
	out := make([][]CandidateBlock, 0, (len(blocks)+size-1)/size)
	for i := 0; i < len(blocks); i += size {
		end := i + size
		if end > len(blocks) {
			end = len(blocks)
		}
		out = append(out, blocks[i:end])
	}
	return out
}
