// Package schema defines the explicit wire shapes spoken on both sides of the
// gateway: the OpenAI-compatible client dialect, the Gemini upstream dialect,
// and the partially supported Claude dialect.
//
// Every payload is a tagged struct with an exhaustive field set — conversion
// between dialects (package convert) is a total function between these types,
// never ad hoc map manipulation. Fields that accept more than one JSON shape
// (message content, tool_choice, stop) carry custom unmarshalers that
// normalise to a single in-memory representation.
package schema

import (
	"encoding/json"
	"fmt"
)

// Chat roles used by the client dialect.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type (
	// ChatRequest mirrors the OpenAI POST /v1/chat/completions body.
	ChatRequest struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		Stream      bool          `json:"stream,omitempty"`
		Temperature *float64      `json:"temperature,omitempty"`
		TopP        *float64      `json:"top_p,omitempty"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
		Stop        StopList      `json:"stop,omitempty"`
		Tools       []Tool        `json:"tools,omitempty"`
		ToolChoice  *ToolChoice   `json:"tool_choice,omitempty"`
	}

	// ChatMessage is one conversation turn. Content accepts a bare string or
	// a list of typed parts (text / image_url) and normalises to Content /
	// Parts respectively — exactly one of the two is populated.
	ChatMessage struct {
		Role       string        `json:"role"`
		Content    string        `json:"-"`
		Parts      []ContentPart `json:"-"`
		Name       string        `json:"name,omitempty"`
		ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
		ToolCallID string        `json:"tool_call_id,omitempty"`
	}

	// ContentPart is one element of a structured message content list.
	ContentPart struct {
		Type     string    `json:"type"`
		Text     string    `json:"text,omitempty"`
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	ImageURL struct {
		URL string `json:"url"`
	}

	// Tool is a function declaration offered to the model.
	Tool struct {
		Type     string       `json:"type"`
		Function ToolFunction `json:"function"`
	}

	ToolFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// ToolCall is an assistant-issued function invocation.
	ToolCall struct {
		Index    int          `json:"index,omitempty"`
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	FunctionCall struct {
		Name string `json:"name"`
		// Arguments is the JSON-encoded argument object, as on the wire.
		Arguments string `json:"arguments"`
	}

	// ToolChoice accepts "none" | "auto" | "required" or a named-function
	// object. Mode holds the string form; Function the named form.
	ToolChoice struct {
		Mode     string
		Function string
	}

	// StopList accepts a bare string or a list of strings.
	StopList []string

	// Usage is the token accounting block.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatResponse mirrors the OpenAI non-streaming response envelope.
	ChatResponse struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}

	Choice struct {
		Index        int              `json:"index"`
		Message      ResponseMessage  `json:"message"`
		FinishReason string           `json:"finish_reason"`
	}

	ResponseMessage struct {
		Role      string     `json:"role"`
		Content   *string    `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}

	// ChatChunk mirrors one streamed chat.completion.chunk.
	ChatChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []ChunkChoice `json:"choices"`
		Usage   *Usage        `json:"usage,omitempty"`
	}

	ChunkChoice struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	Delta struct {
		Role      string     `json:"role,omitempty"`
		Content   string     `json:"content,omitempty"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}
)

// IsText reports whether the message carries plain string content.
func (m *ChatMessage) IsText() bool { return m.Parts == nil }

// chatMessageWire is the raw JSON shape of a message before content
// normalisation.
type chatMessageWire struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var w chatMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.Content = ""
	m.Parts = nil

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}

	// Bare string first — the common case.
	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = s
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(w.Content, &parts); err == nil {
		m.Parts = parts
		return nil
	}

	return fmt.Errorf("schema: message content must be a string or a list of parts")
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	w := struct {
		Role       string     `json:"role"`
		Content    any        `json:"content"`
		Name       string     `json:"name,omitempty"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if m.Parts != nil {
		w.Content = m.Parts
	} else {
		w.Content = m.Content
	}
	return json.Marshal(w)
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "none", "auto", "required":
			tc.Mode = s
			tc.Function = ""
			return nil
		}
		return fmt.Errorf("schema: invalid tool_choice %q", s)
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("schema: tool_choice must be a string or an object: %w", err)
	}
	if obj.Type != "function" || obj.Function.Name == "" {
		return fmt.Errorf("schema: tool_choice object must name a function")
	}
	tc.Mode = "function"
	tc.Function = obj.Function.Name
	return nil
}

func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Mode == "function" {
		return json.Marshal(struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		}{
			Type: "function",
			Function: struct {
				Name string `json:"name"`
			}{Name: tc.Function},
		})
	}
	return json.Marshal(tc.Mode)
}

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("schema: stop must be a string or a list of strings: %w", err)
	}
	*s = StopList(many)
	return nil
}
