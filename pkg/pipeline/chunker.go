package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Chunker splits enriched document content into indexable pieces.
type Chunker interface {
	Chunk(ctx context.Context, content string) ([]string, error)
}

// ParagraphChunker splits on blank lines and re-packs paragraphs into
// chunks of at most MaxChars runes. A single oversized paragraph is
// split hard at the limit rather than dropped.
type ParagraphChunker struct {
	MaxChars int
}

const defaultChunkChars = 1200

func (c ParagraphChunker) limit() int {
	if c.MaxChars <= 0 {
		return defaultChunkChars
	}
	return c.MaxChars
}

func (c ParagraphChunker) Chunk(ctx context.Context, content string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := c.limit()

	var chunks []string
	var current strings.Builder
	currentRunes := 0
	flush := func() {
		text := strings.TrimSpace(current.String())
		if text != "" {
			chunks = append(chunks, text)
		}
		current.Reset()
		currentRunes = 0
	}

	// sizes are counted in runes throughout so multibyte text honors
	// the same limit as ASCII
	for _, paragraph := range splitParagraphs(content) {
		for _, piece := range splitHard(paragraph, limit) {
			pieceRunes := utf8.RuneCountInString(piece)
			if currentRunes > 0 && currentRunes+pieceRunes+2 > limit {
				flush()
			}
			if currentRunes > 0 {
				current.WriteString("\n\n")
				currentRunes += 2
			}
			current.WriteString(piece)
			currentRunes += pieceRunes
		}
	}
	flush()
	return chunks, nil
}

func splitParagraphs(content string) []string {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")
	paragraphs := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

func splitHard(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var pieces []string
	runes := []rune(text)
	for len(runes) > limit {
		pieces = append(pieces, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}
