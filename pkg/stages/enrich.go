// Package stages provides the built-in middleware stages wired into
// the default pipeline: content enrichers, query and result
// processors, and delete guards.
package stages

import (
	"context"
	"strings"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/pipeline"
)

// WhitespaceNormalizer collapses line endings and strips trailing
// whitespace so downstream chunking sees canonical text. It runs
// before every other enricher.
type WhitespaceNormalizer struct {
	chain.BaseStage
}

func NewWhitespaceNormalizer() *WhitespaceNormalizer {
	return &WhitespaceNormalizer{BaseStage: chain.BaseStage{
		StageName:     "whitespace-normalizer",
		StagePriority: 0,
	}}
}

func (s *WhitespaceNormalizer) Process(ctx context.Context, rc *chain.RequestContext, draft *pipeline.Draft) (chain.Result[*pipeline.Draft], error) {
	normalized := strings.ReplaceAll(draft.Content, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	draft.Content = strings.TrimSpace(strings.Join(lines, "\n"))
	return chain.Transform(draft), nil
}

// HeadingExtractor collects markdown-style headings into the draft's
// Headings so documents index their structure. Depends on the
// normalizer so heading detection sees clean lines.
type HeadingExtractor struct {
	chain.BaseStage
}

func NewHeadingExtractor() *HeadingExtractor {
	return &HeadingExtractor{BaseStage: chain.BaseStage{
		StageName:     "heading-extractor",
		StagePriority: 10,
		Deps:          []string{"whitespace-normalizer"},
		ErrorPolicy:   chain.PolicySkip,
	}}
}

func (s *HeadingExtractor) Process(ctx context.Context, rc *chain.RequestContext, draft *pipeline.Draft) (chain.Result[*pipeline.Draft], error) {
	var headings []string
	for _, line := range strings.Split(draft.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		if heading != "" {
			headings = append(headings, heading)
		}
	}
	if len(headings) == 0 {
		return chain.Allow[*pipeline.Draft](), nil
	}
	draft.Headings = headings
	if draft.Summary == "" {
		draft.Summary = headings[0]
	}
	return chain.Transform(draft), nil
}
