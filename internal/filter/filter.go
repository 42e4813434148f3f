// Package filter reduces prompt context before it is sent to the
// model: oversized requests are split at natural boundaries and noisy
// context is compressed. Callers report the saved tokens to the cost
// tracker.
package filter

import (
	"strings"
	"unicode/utf8"

	"github.com/loomctl/loom/internal/cost"
)

// Chunking thresholds, in estimated tokens.
const (
	// ChunkThresholdTokens is the size past which a text must be
	// chunked rather than sent in one call.
	ChunkThresholdTokens = 50_000
	// DefaultChunkTokens is the target size of one chunk.
	DefaultChunkTokens = 50_000
	// DefaultOverlapTokens is the trailing context each chunk carries
	// into its successor.
	DefaultOverlapTokens = 5_000
)

// charsPerToken inverts the cost estimator's ratio.
const charsPerToken = 1.3

// maxLineLength is the point past which a context line is compressed.
const maxLineLength = 200

// compressionRatio is the fraction of an overlong line that is kept.
const compressionRatio = 0.7

// NeedsChunking reports whether a text exceeds the single-call
// threshold.
func NeedsChunking(text string) bool {
	return cost.EstimateTokens(text) > ChunkThresholdTokens
}

// breakPoints are split candidates in priority order: paragraph, line,
// sentence, clause, word.
var breakPoints = []string{"\n\n", "\n", ". ", ", ", " "}

// Chunks splits text into pieces of at most chunkTokens estimated
// tokens, each starting with overlapTokens of trailing context from
// its predecessor. Splits land on the best natural boundary near the
// target size. With zero overlap the chunks concatenate back to the
// original text.
func Chunks(text string, chunkTokens, overlapTokens int64) []string {
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	if overlapTokens < 0 || overlapTokens >= chunkTokens {
		overlapTokens = 0
	}

	chunkChars := tokensToChars(chunkTokens)
	overlapChars := tokensToChars(overlapTokens)

	if len(text) <= chunkChars {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkChars
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		end = breakNear(text, end)
		chunks = append(chunks, text[start:end])

		next := end - overlapChars
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakNear moves a split position back to the highest-priority
// boundary within the search window, keeping the raw position when the
// window holds none.
func breakNear(text string, pos int) int {
	window := pos / 10
	if window < 1 {
		window = 1
	}
	lo := pos - window
	if lo < 0 {
		lo = 0
	}
	for _, bp := range breakPoints {
		if idx := strings.LastIndex(text[lo:pos], bp); idx >= 0 {
			return lo + idx + len(bp)
		}
	}
	for pos > 0 && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}

// Shrink compresses context text: blank-line runs collapse to one
// line, exact duplicate lines are dropped, and overlong lines are
// truncated. It returns the filtered text and the estimated tokens
// saved.
func Shrink(text string) (string, int64) {
	lines := strings.Split(text, "\n")
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))

	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, compressLine(line))
	}

	filtered := strings.Join(out, "\n")
	saved := cost.EstimateTokens(text) - cost.EstimateTokens(filtered)
	if saved < 0 {
		saved = 0
	}
	return filtered, saved
}

// compressLine truncates an overlong line, keeping its head.
func compressLine(line string) string {
	if len(line) <= maxLineLength {
		return line
	}
	keep := int(float64(len(line)) * compressionRatio)
	for keep > 0 && !utf8.RuneStart(line[keep]) {
		keep--
	}
	return line[:keep] + "..."
}

func tokensToChars(tokens int64) int {
	return int(float64(tokens) * charsPerToken)
}
