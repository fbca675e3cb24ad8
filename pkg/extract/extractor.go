package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const defaultModel = "claude-haiku-4-5-20251001"

const systemPrompt = `You extract structured records from raw web content for a search index.
Given a search term and page content, identify entities matching the term and
relationships between them. Respond with a single JSON object:
{"items": [{"name": "...", "kind": "...", "summary": "..."}],
 "relationships": [{"from": "...", "to": "...", "kind": "..."}]}
Only include entities genuinely present in the content. Respond with JSON only.`

// Item is one extracted entity record.
type Item struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Summary string `json:"summary,omitempty"`
}

// Relationship links two extracted entities.
type Relationship struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// Extraction is the structured output for one piece of content.
type Extraction struct {
	Items         []Item         `json:"items"`
	Relationships []Relationship `json:"relationships"`
}

// Extractor runs term-guided entity extraction over raw content.
type Extractor struct {
	client    Client
	model     string
	maxTokens int64
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithModel overrides the extraction model.
func WithModel(model string) ExtractorOption {
	return func(e *Extractor) {
		e.model = model
	}
}

// WithMaxTokens overrides the response token budget.
func WithMaxTokens(n int64) ExtractorOption {
	return func(e *Extractor) {
		e.maxTokens = n
	}
}

func NewExtractor(client Client, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		client:    client,
		model:     defaultModel,
		maxTokens: 2048,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract pulls entities and relationships relevant to the term out of raw
// content. Empty content yields an empty extraction without an API call.
func (e *Extractor) Extract(ctx context.Context, term, content string) (*Extraction, error) {
	if strings.TrimSpace(content) == "" {
		return &Extraction{}, nil
	}

	resp, err := e.client.CreateMessage(ctx, MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    systemPrompt,
		Messages: []Message{{
			Role:    "user",
			Content: fmt.Sprintf("Search term: %s\n\nContent:\n%s", term, content),
		}},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: term %q", term)
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}

	var out Extraction
	if err := json.Unmarshal([]byte(cleanJSON(sb.String())), &out); err != nil {
		return nil, eris.Wrapf(err, "extract: parse response for term %q", term)
	}

	zap.L().Debug("extract: content processed",
		zap.String("term", term),
		zap.Int("items", len(out.Items)),
		zap.Int("relationships", len(out.Relationships)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)
	return &out, nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
