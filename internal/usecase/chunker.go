package usecase

import (
	"strings"
)

// paragraphSep is the boundary the incremental chunker splits on.
const paragraphSep = "\n\n"

// minChunkRatio bounds how far back from the window end finalize will look
// for a natural split. Splits below half the max size waste delivery quota.
const minChunkRatio = 0.5

// sentenceEnders are the punctuation marks finalize treats as sentence
// boundaries when no newline is available.
var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// Chunker splits accumulated streamed text into delivery-ready chunks.
// ProcessIncrement emits complete paragraphs as they form; Finalize flushes
// the remainder at stream end, enforcing the channel's size limit. The
// chunker carries no state of its own, the caller threads the remainder
// between calls.
type Chunker struct {
	maxSize int
}

// NewChunker creates a chunker for a channel with the given maximum message
// length.
func NewChunker(maxSize int) *Chunker {
	if maxSize <= 0 {
		maxSize = 4000
	}
	return &Chunker{maxSize: maxSize}
}

// MaxSize returns the configured chunk size limit.
func (c *Chunker) MaxSize() int { return c.maxSize }

// ProcessIncrement appends newText to the carried remainder and splits at
// paragraph boundaries. Everything before the last boundary becomes ready
// chunks, trimmed and with blanks discarded; everything after it is the new
// remainder. Feeding text in one call or split across many calls yields the
// same chunks in the same order.
func (c *Chunker) ProcessIncrement(accumulated, newText string) (remainder string, ready []string) {
	combined := accumulated + newText

	idx := strings.LastIndex(combined, paragraphSep)
	if idx < 0 {
		return combined, nil
	}

	head := combined[:idx]
	remainder = combined[idx+len(paragraphSep):]

	for _, part := range strings.Split(head, paragraphSep) {
		part = strings.TrimSpace(part)
		if part != "" {
			ready = append(ready, part)
		}
	}
	return remainder, ready
}

// Finalize flushes leftover text at stream end. Paragraphs are emitted as-is
// when they fit; oversized paragraphs are split on progressively weaker
// boundaries (newline, sentence end, word boundary) and hard-cut only when
// no boundary exists. No returned chunk is empty or exceeds the max size.
func (c *Chunker) Finalize(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for _, para := range strings.Split(text, paragraphSep) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		chunks = append(chunks, c.splitOversized(para)...)
	}
	return chunks
}

// splitOversized breaks a single paragraph into max-size windows, preferring
// the latest natural boundary in each window that is past the minimum ratio.
func (c *Chunker) splitOversized(text string) []string {
	var out []string
	for len(text) > c.maxSize {
		cut := c.findCut(text[:c.maxSize])
		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			out = append(out, chunk)
		}
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// findCut picks a split position inside window, trying newline, then
// sentence punctuation, then a space, each no earlier than minChunkRatio of
// the window. Returns len(window) when only a hard cut remains.
func (c *Chunker) findCut(window string) int {
	floor := int(float64(len(window)) * minChunkRatio)

	if idx := strings.LastIndex(window, "\n"); idx >= floor {
		return idx + 1
	}

	best := -1
	for _, end := range sentenceEnders {
		if idx := strings.LastIndex(window, end); idx >= floor && idx+len(end) > best {
			best = idx + len(end)
		}
	}
	if best > 0 {
		return best
	}

	if idx := strings.LastIndex(window, " "); idx >= floor {
		return idx + 1
	}

	return len(window)
}
