package schema

import "encoding/json"

// Claude Messages API shapes. Support is partial: text-only conversations are
// converted; tool-use and multimodal content blocks are out of scope for this
// dialect and silently ignored. Only the text blocks of a message survive
// decoding.

type (
	ClaudeRequest struct {
		Model       string          `json:"model"`
		System      string          `json:"system,omitempty"`
		Messages    []ClaudeMessage `json:"messages"`
		MaxTokens   int             `json:"max_tokens"`
		Temperature *float64        `json:"temperature,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
		Stream      bool            `json:"stream,omitempty"`
	}

	// ClaudeMessage content accepts a bare string or a list of content
	// blocks; only text blocks are honoured.
	ClaudeMessage struct {
		Role    string `json:"role"`
		Content string `json:"-"`
	}

	ClaudeResponse struct {
		ID         string              `json:"id"`
		Type       string              `json:"type"`
		Role       string              `json:"role"`
		Model      string              `json:"model"`
		Content    []ClaudeContentBlock `json:"content"`
		StopReason string              `json:"stop_reason"`
		Usage      ClaudeUsage         `json:"usage"`
	}

	ClaudeContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	ClaudeUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// ClaudeChunk is the content_block_delta stream event shape.
	ClaudeChunk struct {
		Type  string      `json:"type"`
		Index int         `json:"index"`
		Delta ClaudeDelta `json:"delta"`
	}

	ClaudeDelta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
)

func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role

	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = s
		return nil
	}

	// Content block list — concatenate the text blocks.
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(w.Content, &blocks); err != nil {
		return err
	}
	for _, b := range blocks {
		if b.Type == "text" {
			m.Content += b.Text
		}
	}
	return nil
}

func (m ClaudeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}
