package filter

import (
	"strings"
	"testing"
)

func TestNeedsChunking(t *testing.T) {
	if NeedsChunking("add a login endpoint") {
		t.Error("short request must not need chunking")
	}
	// ~100k chars, well past the threshold.
	big := strings.Repeat("analyze this module and list its exports. ", 2500)
	if !NeedsChunking(big) {
		t.Error("oversized request must need chunking")
	}
}

func TestChunksSmallTextIsSingle(t *testing.T) {
	chunks := Chunks("one small request", DefaultChunkTokens, DefaultOverlapTokens)
	if len(chunks) != 1 || chunks[0] != "one small request" {
		t.Fatalf("expected the text back unsplit, got %d chunk(s)", len(chunks))
	}
}

func TestChunksPreferParagraphBoundaries(t *testing.T) {
	// Paragraphs every ~102 chars guarantee a boundary inside every
	// search window at this chunk size.
	paras := make([]string, 60)
	for i := range paras {
		paras[i] = strings.Repeat("x", 100)
	}
	text := strings.Join(paras, "\n\n")

	chunks := Chunks(text, 1000, 0)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c, "\n\n") {
			t.Errorf("chunk %d not split at a paragraph boundary", i)
		}
	}
	// Zero overlap must be lossless.
	if strings.Join(chunks, "") != text {
		t.Error("chunks with zero overlap must cover the text exactly")
	}
}

func TestChunksCarryOverlap(t *testing.T) {
	paras := make([]string, 60)
	for i := range paras {
		paras[i] = strings.Repeat("y", 100)
	}
	text := strings.Join(paras, "\n\n")

	const overlapTokens = 100
	chunks := Chunks(text, 1000, overlapTokens)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	overlapChars := tokensToChars(overlapTokens)
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		tail := prev[len(prev)-overlapChars:]
		if !strings.HasPrefix(chunks[i], tail) {
			t.Errorf("chunk %d does not start with its predecessor's tail", i)
		}
	}
}

func TestShrinkCollapsesBlankRuns(t *testing.T) {
	got, saved := Shrink("first\n\n\n\n\nsecond")
	if got != "first\n\nsecond" {
		t.Errorf("blank runs not collapsed: %q", got)
	}
	if saved <= 0 {
		t.Error("expected positive savings")
	}
}

func TestShrinkDropsDuplicateLines(t *testing.T) {
	got, _ := Shrink("task one\ntask two\ntask one\ntask three")
	if got != "task one\ntask two\ntask three" {
		t.Errorf("duplicates not dropped: %q", got)
	}
}

func TestShrinkTruncatesOverlongLines(t *testing.T) {
	long := strings.Repeat("z", 400)
	got, saved := Shrink(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("overlong line not truncated: %d chars", len(got))
	}
	if len(got) >= len(long) {
		t.Errorf("truncation did not shorten the line: %d >= %d", len(got), len(long))
	}
	if saved <= 0 {
		t.Error("expected positive savings")
	}
}

func TestShrinkLeavesCleanTextAlone(t *testing.T) {
	clean := "goal one\ngoal two\n\ngoal three"
	got, saved := Shrink(clean)
	if got != clean {
		t.Errorf("clean text changed: %q", got)
	}
	if saved != 0 {
		t.Errorf("expected zero savings, got %d", saved)
	}
}
