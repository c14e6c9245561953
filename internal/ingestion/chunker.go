// Package ingestion handles document segmentation: deterministic splitting of
// page text into chunks sized for embedding.
package ingestion

import (
	"strings"
	"unicode/utf8"
)

// BreakKind records how a chunk's end was chosen.
type BreakKind string

const (
	BreakMarkdownHeader BreakKind = "markdown_header"
	BreakParagraph      BreakKind = "paragraph"
	BreakNewline        BreakKind = "newline"
	BreakSentence       BreakKind = "sentence"
	BreakForced         BreakKind = "force"
)

// Chunk is one segment of the input text. StartPos/EndPos are byte offsets
// into the original text; Content is the trimmed slice between them.
type Chunk struct {
	Content  string
	StartPos int
	EndPos   int
	Kind     BreakKind
	Index    int
}

// DefaultTargetSize is the chunk size aimed for when none is configured.
const DefaultTargetSize = 5000

// tailTolerance lets a final chunk run over target rather than leaving a
// fragment behind.
const tailTolerance = 1.2

// Chunker splits text into chunks near a target size, preferring natural
// boundaries. Splitting is deterministic: the same input always produces the
// same chunks.
type Chunker struct {
	targetSize int
}

// NewChunker creates a Chunker with the given target size in bytes.
func NewChunker(targetSize int) *Chunker {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	return &Chunker{targetSize: targetSize}
}

// TargetSize returns the configured target chunk size.
func (c *Chunker) TargetSize() int {
	return c.targetSize
}

// ChunkAll splits text into its complete list of chunks.
func (c *Chunker) ChunkAll(text string) []Chunk {
	var chunks []Chunk
	s := c.Scan(text)
	for {
		chunk, ok := s.Next()
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Scan returns a Scanner that yields chunks of text one at a time.
func (c *Chunker) Scan(text string) *Scanner {
	return &Scanner{chunker: c, text: text}
}

// Scanner iterates over the chunks of a single text lazily.
type Scanner struct {
	chunker *Chunker
	text    string
	pos     int
	index   int
}

// Next returns the next chunk. The second return value is false when the
// text is exhausted. Chunks whose content is empty after trimming are
// skipped; their bytes still count toward the positions of later chunks.
func (s *Scanner) Next() (Chunk, bool) {
	for s.pos < len(s.text) {
		start := s.pos
		end, kind := s.cut()
		s.pos = end

		content := strings.TrimSpace(s.text[start:end])
		if content == "" {
			continue
		}

		chunk := Chunk{
			Content:  content,
			StartPos: start,
			EndPos:   end,
			Kind:     kind,
			Index:    s.index,
		}
		s.index++
		return chunk, true
	}
	return Chunk{}, false
}

// cut picks the end position and break kind for the chunk starting at s.pos.
// A remainder within tolerance of target is taken whole. Otherwise the
// window of target bytes is scanned backwards for the best boundary:
// a markdown H2 heading, then a blank line, then any newline, then a
// sentence end. With no boundary in the window the cut is forced at target,
// backed off to the nearest rune boundary.
func (s *Scanner) cut() (int, BreakKind) {
	remaining := len(s.text) - s.pos
	target := s.chunker.targetSize

	if float64(remaining) <= float64(target)*tailTolerance {
		return len(s.text), BreakForced
	}

	// Keep the window end on a rune boundary so a forced cut cannot split
	// a multibyte rune and emit invalid UTF-8.
	end := s.pos + target
	for end > s.pos && !utf8.RuneStart(s.text[end]) {
		end--
	}
	if end == s.pos {
		// Target smaller than the first rune; take the whole rune.
		_, n := utf8.DecodeRuneInString(s.text[s.pos:])
		end = s.pos + n
	}
	window := s.text[s.pos:end]

	// Break before the heading so it leads the next chunk.
	if idx := strings.LastIndex(window, "\n## "); idx >= 0 {
		return s.pos + idx + 1, BreakMarkdownHeader
	}
	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return s.pos + idx + 2, BreakParagraph
	}
	if idx := strings.LastIndex(window, "\n"); idx >= 0 {
		return s.pos + idx + 1, BreakNewline
	}
	if idx := lastSentenceEnd(window); idx >= 0 {
		return s.pos + idx + 2, BreakSentence
	}

	return end, BreakForced
}

// lastSentenceEnd returns the index of the last sentence-ending punctuation
// followed by a space, or -1.
func lastSentenceEnd(window string) int {
	best := -1
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, sep); idx > best {
			best = idx
		}
	}
	return best
}
