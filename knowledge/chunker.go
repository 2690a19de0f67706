package knowledge

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ChunkOptions tunes one chunking pass.
type ChunkOptions struct {
	ChunkSize          int  `json:"chunk_size"`
	ChunkOverlap       int  `json:"chunk_overlap"`
	PreserveParagraphs bool `json:"preserve_paragraphs"`
	PreserveSentences  bool `json:"preserve_sentences"`
}

// DefaultChunkOptions returns the options used when a knowledge base does
// not override them.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:          1000,
		ChunkOverlap:       200,
		PreserveParagraphs: true,
		PreserveSentences:  true,
	}
}

func (o *ChunkOptions) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	// Overlap taking up half the chunk or more would stop the window from
	// advancing.
	if o.ChunkOverlap >= o.ChunkSize/2 {
		o.ChunkOverlap = o.ChunkSize / 2
	}
}

// Chunker splits cleaned text into overlapping segments, preferring
// paragraph and sentence boundaries over hard cuts.
type Chunker struct{}

func NewChunker() *Chunker {
	return &Chunker{}
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// Clean normalizes newlines and whitespace: CRLF to LF, trailing spaces
// stripped, runs of three or more newlines collapsed to two.
func (c *Chunker) Clean(text string) string {
	replaced := strings.ReplaceAll(text, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	lines := strings.Split(replaced, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	replaced = strings.Join(lines, "\n")
	replaced = blankLines.ReplaceAllString(replaced, "\n\n")
	return strings.TrimSpace(replaced)
}

type segment struct {
	start int
	end   int
}

// Chunk splits text into chunks for documentID. Offsets are rune positions
// into the cleaned text; indices are contiguous from zero.
func (c *Chunker) Chunk(text string, documentID string, opts ChunkOptions) []Chunk {
	opts.applyDefaults()

	cleaned := c.Clean(text)
	if cleaned == "" {
		return nil
	}
	runes := []rune(cleaned)

	var segments []segment
	if len(runes) <= opts.ChunkSize {
		segments = []segment{{start: 0, end: len(runes)}}
	} else {
		segments = c.split(runes, opts)
	}

	chunks := make([]Chunk, 0, len(segments))
	for i, seg := range segments {
		content := string(runes[seg.start:seg.end])
		chunks = append(chunks, Chunk{
			ID:            chunkID(documentID, i),
			DocumentID:    documentID,
			ChunkIndex:    i,
			Content:       content,
			ContentLength: seg.end - seg.start,
			StartPosition: seg.start,
			EndPosition:   seg.end,
		})
	}
	return chunks
}

func (c *Chunker) split(runes []rune, opts ChunkOptions) []segment {
	paragraphs := paragraphRanges(runes, opts.PreserveParagraphs)

	var segments []segment
	bufStart, bufEnd := -1, -1
	emit := func(start, end int) {
		trimmed, ok := trimSegment(runes, start, end)
		if ok {
			segments = append(segments, trimmed)
		}
	}

	for _, paragraph := range paragraphs {
		switch {
		case bufStart < 0:
			bufStart, bufEnd = paragraph.start, paragraph.end
		case paragraph.end-bufStart <= opts.ChunkSize:
			bufEnd = paragraph.end
		default:
			emit(bufStart, bufEnd)
			bufStart = overlapStart(runes, bufStart, bufEnd, opts.ChunkOverlap)
			bufEnd = paragraph.end
		}

		// A paragraph longer than the target keeps the buffer oversized;
		// carve it down at sentence or word boundaries.
		for bufEnd-bufStart > opts.ChunkSize {
			cut := cutPoint(runes, bufStart, opts)
			emit(bufStart, cut)
			next := overlapStart(runes, bufStart, cut, opts.ChunkOverlap)
			if next <= bufStart {
				next = cut
			}
			bufStart = next
		}
	}
	if bufStart >= 0 {
		emit(bufStart, bufEnd)
	}
	return segments
}

// paragraphRanges yields the blank-line separated paragraphs, or the whole
// text as one range when paragraph preservation is off.
func paragraphRanges(runes []rune, preserve bool) []segment {
	if !preserve {
		return []segment{{start: 0, end: len(runes)}}
	}
	var ranges []segment
	start := 0
	for i := 0; i+1 < len(runes); i++ {
		if runes[i] == '\n' && runes[i+1] == '\n' {
			if i > start {
				ranges = append(ranges, segment{start: start, end: i})
			}
			start = i + 2
		}
	}
	if start < len(runes) {
		ranges = append(ranges, segment{start: start, end: len(runes)})
	}
	return ranges
}

// cutPoint picks where to end an oversized buffer: the last sentence end in
// the back half of the window, else the last whitespace, else a hard cut.
func cutPoint(runes []rune, start int, opts ChunkOptions) int {
	limit := start + opts.ChunkSize
	if limit >= len(runes) {
		return len(runes)
	}
	floor := start + opts.ChunkSize/2

	if opts.PreserveSentences {
		for i := limit - 1; i > floor; i-- {
			if isSentenceEnd(runes[i]) && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	for i := limit; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return limit
}

// overlapStart finds where the next chunk begins inside the previous one.
// The desired position is overlap runes back from the cut, advanced to the
// nearest word start so the seeded tail never begins mid-word.
func overlapStart(runes []rune, prevStart int, end int, overlap int) int {
	if overlap <= 0 {
		return end
	}
	desired := end - overlap
	if desired <= prevStart {
		desired = prevStart + 1
	}
	for desired < end {
		if wordStartsAt(runes, desired) {
			return desired
		}
		desired++
	}
	return end
}

func wordStartsAt(runes []rune, i int) bool {
	if i <= 0 || i >= len(runes) {
		return i == 0
	}
	if unicode.IsSpace(runes[i]) {
		return false
	}
	prev := runes[i-1]
	return unicode.IsSpace(prev) || isSentenceEnd(prev)
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// trimSegment shrinks a range to its non-whitespace core, keeping offsets
// exact.
func trimSegment(runes []rune, start int, end int) (segment, bool) {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	if start >= end {
		return segment{}, false
	}
	return segment{start: start, end: end}, true
}

// ValidateChunks checks the structural invariants of one chunking pass.
// Oversized chunks are reported as warnings, not errors.
func (c *Chunker) ValidateChunks(chunks []Chunk, opts ChunkOptions) ([]string, error) {
	opts.applyDefaults()
	var warnings []string
	lastStart := -1
	for i, chunk := range chunks {
		if chunk.ChunkIndex != i {
			return warnings, fmt.Errorf("knowledge: chunk index %d at position %d breaks contiguity", chunk.ChunkIndex, i)
		}
		if strings.TrimSpace(chunk.Content) == "" {
			return warnings, fmt.Errorf("knowledge: chunk %d has empty content", i)
		}
		if chunk.StartPosition >= chunk.EndPosition {
			return warnings, fmt.Errorf("knowledge: chunk %d has invalid offsets [%d,%d)", i, chunk.StartPosition, chunk.EndPosition)
		}
		if chunk.StartPosition < lastStart {
			return warnings, fmt.Errorf("knowledge: chunk %d start %d moves backwards", i, chunk.StartPosition)
		}
		lastStart = chunk.StartPosition
		if chunk.ContentLength > opts.ChunkSize+opts.ChunkSize/4 {
			warnings = append(warnings, fmt.Sprintf("chunk %d length %d exceeds target %d", i, chunk.ContentLength, opts.ChunkSize))
		}
	}
	return warnings, nil
}

// OptimizeChunkSize suggests a chunk size from the text's estimated token
// density and the embedding dimension, clamped to a sane range.
func (c *Chunker) OptimizeChunkSize(text string, dimension int) int {
	cleaned := c.Clean(text)
	runeCount := len([]rune(cleaned))
	tokens := estimateTokenCount(cleaned)
	if runeCount == 0 || tokens == 0 {
		return 1000
	}

	charsPerToken := float64(runeCount) / float64(tokens)
	targetTokens := dimension / 2
	if targetTokens < 128 {
		targetTokens = 128
	}
	suggested := int(float64(targetTokens) * charsPerToken)
	if suggested < 500 {
		return 500
	}
	if suggested > 2000 {
		return 2000
	}
	return suggested
}

func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	wordCount := len(words)
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}

func chunkID(documentID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, index)
}
