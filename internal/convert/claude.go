package convert

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/gproxyhq/gproxy/internal/schema"
)

// Claude dialect support is partial: text-only conversations are mapped
// through the client schema; tool use and multimodal content are not
// translated for this dialect.

// DetectDialect inspects a raw request body and reports which dialect it is
// written in: "gemini" (contents list), "claude" (messages + max_tokens), or
// "openai" (messages). Unknown shapes report "".
func DetectDialect(body []byte) string {
	var probe struct {
		Contents  json.RawMessage `json:"contents"`
		Messages  json.RawMessage `json:"messages"`
		MaxTokens json.RawMessage `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	switch {
	case len(probe.Contents) > 0 && probe.Contents[0] == '[':
		return "gemini"
	case len(probe.Messages) > 0 && len(probe.MaxTokens) > 0:
		return "claude"
	case len(probe.Messages) > 0:
		return "openai"
	}
	return ""
}

// FromClaudeRequest maps an inbound Claude request onto the client schema.
// The system prompt becomes a leading system message.
func FromClaudeRequest(req *schema.ClaudeRequest) *schema.ChatRequest {
	out := &schema.ChatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, schema.ChatMessage{
			Role:    schema.RoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, schema.ChatMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return out
}

// ToClaudeResponse maps a client response back into the Claude envelope.
// Only the first choice's text content is carried.
func ToClaudeResponse(resp *schema.ChatResponse) *schema.ClaudeResponse {
	out := &schema.ClaudeResponse{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       schema.RoleAssistant,
		Model:      resp.Model,
		StopReason: "end_turn",
		Usage: schema.ClaudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		text := ""
		if c.Message.Content != nil {
			text = *c.Message.Content
		}
		out.Content = []schema.ClaudeContentBlock{{Type: "text", Text: text}}
		if c.FinishReason == "length" {
			out.StopReason = "max_tokens"
		}
	}
	return out
}

// ToClaudeChunk maps a client stream chunk into a Claude content_block_delta
// event. Chunks without text content map to an empty delta.
func ToClaudeChunk(chunk *schema.ChatChunk) *schema.ClaudeChunk {
	out := &schema.ClaudeChunk{
		Type:  "content_block_delta",
		Index: 0,
		Delta: schema.ClaudeDelta{Type: "text_delta"},
	}
	if len(chunk.Choices) > 0 {
		out.Delta.Text = chunk.Choices[0].Delta.Content
	}
	return out
}
