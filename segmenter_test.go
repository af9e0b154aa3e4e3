package examprep

import (
	"errors"
	"strings"
	"testing"
)

var testExam = ExamID{Category: "nursing", Year: 2023, Season: "spring", Shift: "1"}

func mustPatterns(t *testing.T) PatternSet {
	t.Helper()
	p, err := DefaultCategoryConfig().Patterns()
	if err != nil {
		t.Fatalf("Patterns: %v", err)
	}
	return p
}

const threeQuestions = "MIDTERM EXAMINATION\n" +
	"Answer every question. See item 4. below for scoring.\n" +
	"1. What is 2+2?\n" +
	"A. 3\n" +
	"B. 4\n" +
	"2) Capital of France?\n" +
	"(a) Paris\n" +
	"(b) Rome\n" +
	"1990. was a long year\n" +
	" 3. Last one\n" +
	"A. x\n" +
	"B. y\n"

func TestSegment_OneBlockPerMarker(t *testing.T) {
	doc := NewSourceDocument(testExam, []string{threeQuestions})
	blocks, err := Segment(doc, mustPatterns(t))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}
	for i, want := range []int{1, 2, 3} {
		if blocks[i].Number != want {
			t.Errorf("block %d number = %d, want %d", i, blocks[i].Number, want)
		}
		if blocks[i].ChoiceMarkers != 2 {
			t.Errorf("block %d choice markers = %d, want 2", i, blocks[i].ChoiceMarkers)
		}
		if blocks[i].DocumentID != "nursing-2023-spring-1" {
			t.Errorf("block %d document = %q", i, blocks[i].DocumentID)
		}
	}
	if !strings.HasPrefix(blocks[0].Text, "1. What is") {
		t.Errorf("preamble not skipped: %q", blocks[0].Text)
	}
	if !strings.Contains(blocks[1].Text, "1990. was a long year") {
		t.Errorf("four-digit line should stay inside block 2: %q", blocks[1].Text)
	}
}

func TestSegment_ContiguousAndReconstructs(t *testing.T) {
	doc := NewSourceDocument(testExam, []string{threeQuestions})
	blocks, err := Segment(doc, mustPatterns(t))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	var sb strings.Builder
	for i, b := range blocks {
		if b.Text != doc.Text[b.Start:b.End] {
			t.Errorf("block %d text does not match its offsets", i)
		}
		if i+1 < len(blocks) && b.End != blocks[i+1].Start {
			t.Errorf("block %d ends at %d, next starts at %d", i, b.End, blocks[i+1].Start)
		}
		sb.WriteString(b.Text)
	}
	if last := blocks[len(blocks)-1]; last.End != len(doc.Text) {
		t.Errorf("last block ends at %d, want %d", last.End, len(doc.Text))
	}
	if got, want := sb.String(), doc.Text[blocks[0].Start:]; got != want {
		t.Errorf("concatenated blocks do not reconstruct the document")
	}
}

func TestSegment_Deterministic(t *testing.T) {
	doc := NewSourceDocument(testExam, []string{threeQuestions})
	a, _ := Segment(doc, mustPatterns(t))
	b, _ := Segment(doc, mustPatterns(t))
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("block %d differs between runs", i)
		}
	}
}

func TestSegment_NoMarkers(t *testing.T) {
	doc := NewSourceDocument(testExam, []string{"Cover page\nNo questions here.\n"})
	_, err := Segment(doc, mustPatterns(t))
	if !errors.Is(err, ErrSegmentationFailure) {
		t.Fatalf("err = %v, want ErrSegmentationFailure", err)
	}
	if !strings.Contains(err.Error(), "nursing-2023-spring-1") {
		t.Errorf("error should name the document: %v", err)
	}
}

func TestSegment_EmptyDocument(t *testing.T) {
	doc := NewSourceDocument(testExam, nil)
	if _, err := Segment(doc, mustPatterns(t)); !errors.Is(err, ErrSegmentationFailure) {
		t.Fatalf("err = %v, want ErrSegmentationFailure", err)
	}
}

func TestSegment_PageNumbers(t *testing.T) {
	doc := NewSourceDocument(testExam, []string{
		"Instructions\n1. First?\nA. a\nB. b",
		"2. Second?\nA. a\nB. b",
	})
	blocks, err := Segment(doc, mustPatterns(t))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[0].Page != 1 || blocks[1].Page != 2 {
		t.Errorf("pages = %d, %d; want 1, 2", blocks[0].Page, blocks[1].Page)
	}
}

func TestBatches(t *testing.T) {
	blocks := make([]CandidateBlock, 5)
	for i := range blocks {
		blocks[i].Number = i + 1
	}
	batches := Batches(blocks, 2)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[2]) != 1 || batches[2][0].Number != 5 {
		t.Errorf("last batch = %+v", batches[2])
	}
	if got := Batches(blocks, 0); len(got) != 5 {
		t.Errorf("size 0 should batch one by one, got %d batches", len(got))
	}
}
