package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	resp  *MessageResponse
	err   error
	calls int
	last  MessageRequest
}

func (s *stubClient) CreateMessage(_ context.Context, req MessageRequest) (*MessageResponse, error) {
	s.calls++
	s.last = req
	return s.resp, s.err
}

func textResponse(text string) *MessageResponse {
	return &MessageResponse{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	client := &stubClient{resp: textResponse(`{
		"items": [{"name": "Torchy's", "kind": "venue", "summary": "Taco stand"}],
		"relationships": [{"from": "Torchy's", "to": "Austin", "kind": "located_in"}]
	}`)}
	e := NewExtractor(client, WithModel("claude-haiku-4-5-20251001"))

	out, err := e.Extract(context.Background(), "taco stands", "Torchy's is a taco stand in Austin.")
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "Torchy's", out.Items[0].Name)
	require.Len(t, out.Relationships, 1)
	assert.Equal(t, "located_in", out.Relationships[0].Kind)

	assert.Contains(t, client.last.Messages[0].Content, "taco stands")
	assert.Equal(t, "claude-haiku-4-5-20251001", client.last.Model)
}

func TestExtract_FencedResponse(t *testing.T) {
	t.Parallel()

	client := &stubClient{resp: textResponse("```json\n{\"items\": [{\"name\": \"A\", \"kind\": \"venue\"}], \"relationships\": []}\n```")}
	e := NewExtractor(client)

	out, err := e.Extract(context.Background(), "term", "content")
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
}

func TestExtract_EmptyContentSkipsAPI(t *testing.T) {
	t.Parallel()

	client := &stubClient{}
	e := NewExtractor(client)

	out, err := e.Extract(context.Background(), "term", "   ")
	require.NoError(t, err)
	assert.Empty(t, out.Items)
	assert.Zero(t, client.calls)
}

func TestExtract_APIError(t *testing.T) {
	t.Parallel()

	client := &stubClient{err: errors.New("overloaded")}
	e := NewExtractor(client)

	_, err := e.Extract(context.Background(), "term", "content")
	require.Error(t, err)
}

func TestExtract_MalformedJSON(t *testing.T) {
	t.Parallel()

	client := &stubClient{resp: textResponse("I could not find anything.")}
	e := NewExtractor(client)

	_, err := e.Extract(context.Background(), "term", "content")
	require.Error(t, err)
}

func TestCleanJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around object", `Here you go: {"a": 1} Hope that helps!`, `{"a": 1}`},
		{"no object", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, cleanJSON(tt.input))
		})
	}
}
