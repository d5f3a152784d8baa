// Package convert implements the bidirectional mapping between the client
// chat dialect and the Gemini upstream dialect, plus error-object translation.
//
// All response-side conversions are pure. The request-side conversion is pure
// except for remote image resolution, which fetches image URLs and inlines
// them as base64 — the only I/O in this package.
package convert

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gproxyhq/gproxy/internal/schema"
	"github.com/gproxyhq/gproxy/pkg/apierr"
)

// defaultImageMIME is assumed when neither the data URL header nor the remote
// response declares a content type.
const defaultImageMIME = "image/jpeg"

// Converter performs client↔Gemini request/response mapping.
type Converter struct {
	httpClient *http.Client
}

// Option configures a Converter.
type Option func(*Converter)

// WithHTTPClient overrides the HTTP client used to resolve remote image URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(cv *Converter) { cv.httpClient = c }
}

// New creates a Converter.
func New(opts ...Option) *Converter {
	cv := &Converter{
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(cv)
	}
	return cv
}

// ToGemini converts a client chat request into the Gemini request payload.
//
// The last system-role message wins and becomes system_instruction. Tool
// results are resolved to functionResponse parts; when the function name
// cannot be recovered from a preceding assistant tool call the output is
// downgraded to a plain user text message rather than dropped.
func (cv *Converter) ToGemini(ctx context.Context, req *schema.ChatRequest) (*schema.GeminiRequest, error) {
	out := &schema.GeminiRequest{}

	var system *schema.GeminiContent
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case schema.RoleSystem:
			system = &schema.GeminiContent{Parts: []schema.GeminiPart{{Text: msg.Content}}}

		case schema.RoleUser:
			parts, err := cv.userParts(ctx, msg)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, schema.GeminiContent{Role: "user", Parts: parts})

		case schema.RoleAssistant:
			var parts []schema.GeminiPart
			for _, tc := range msg.ToolCalls {
				args := compactArgs(tc.Function.Arguments)
				parts = append(parts, schema.GeminiPart{
					FunctionCall: &schema.GeminiFunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
			if msg.Content != "" {
				parts = append(parts, schema.GeminiPart{Text: msg.Content})
			}
			out.Contents = append(out.Contents, schema.GeminiContent{Role: "model", Parts: parts})

		case schema.RoleTool:
			name := msg.Name
			if name == "" {
				name = resolveFunctionName(req.Messages[:i], msg.ToolCallID)
			}
			if name != "" {
				resp, _ := json.Marshal(map[string]string{"content": msg.Content})
				out.Contents = append(out.Contents, schema.GeminiContent{
					Role: "function",
					Parts: []schema.GeminiPart{{
						FunctionResponse: &schema.GeminiFunctionResponse{Name: name, Response: resp},
					}},
				})
			} else {
				out.Contents = append(out.Contents, schema.GeminiContent{
					Role:  "user",
					Parts: []schema.GeminiPart{{Text: "Tool output: " + msg.Content}},
				})
			}

		default:
			// Unknown roles are forwarded as user text.
			out.Contents = append(out.Contents, schema.GeminiContent{
				Role:  "user",
				Parts: []schema.GeminiPart{{Text: msg.Content}},
			})
		}
	}
	out.SystemInstruction = system

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &schema.GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	if len(req.Tools) > 0 {
		var decls []schema.GeminiFunctionDeclaration
		for _, t := range req.Tools {
			if t.Type != "function" {
				continue
			}
			decls = append(decls, schema.GeminiFunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		if len(decls) > 0 {
			out.Tools = []schema.GeminiTool{{FunctionDeclarations: decls}}
		}
	}

	if req.ToolChoice != nil {
		cfg := schema.GeminiFunctionCallingConfig{Mode: "AUTO"}
		switch req.ToolChoice.Mode {
		case "none":
			cfg.Mode = "NONE"
		case "auto":
			cfg.Mode = "AUTO"
		case "required":
			cfg.Mode = "ANY"
		case "function":
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.Function}
		}
		out.ToolConfig = &schema.GeminiToolConfig{FunctionCallingConfig: cfg}
	}

	return out, nil
}

// userParts expands a user message into Gemini parts, resolving image URLs to
// inline base64 data.
func (cv *Converter) userParts(ctx context.Context, msg *schema.ChatMessage) ([]schema.GeminiPart, error) {
	if msg.IsText() {
		return []schema.GeminiPart{{Text: msg.Content}}, nil
	}

	parts := make([]schema.GeminiPart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, schema.GeminiPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			inline, err := cv.resolveImage(ctx, p.ImageURL.URL)
			if err != nil {
				return nil, fmt.Errorf("convert: image: %w", err)
			}
			parts = append(parts, schema.GeminiPart{InlineData: inline})
		}
	}
	return parts, nil
}

// resolveImage turns a data URL or remote URL into inline base64 data tagged
// with the source's declared content type (JPEG when none is given).
func (cv *Converter) resolveImage(ctx context.Context, imageURL string) (*schema.GeminiInlineData, error) {
	if strings.HasPrefix(imageURL, "data:") {
		header, encoded, ok := strings.Cut(imageURL, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		mime := defaultImageMIME
		if meta := strings.TrimPrefix(header, "data:"); meta != "" {
			if m, _, _ := strings.Cut(meta, ";"); m != "" {
				mime = m
			}
		}
		return &schema.GeminiInlineData{MIMEType: mime, Data: encoded}, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := cv.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", imageURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = defaultImageMIME
	}
	return &schema.GeminiInlineData{
		MIMEType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// resolveFunctionName finds the function name for a tool-result message by
// scanning backwards for the assistant tool call sharing the same call id.
func resolveFunctionName(prior []schema.ChatMessage, callID string) string {
	for i := len(prior) - 1; i >= 0; i-- {
		m := &prior[i]
		if m.Role != schema.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				return tc.Function.Name
			}
		}
	}
	return ""
}

// compactArgs re-encodes a JSON argument string into its compact form,
// passing the original through when it does not parse.
func compactArgs(args string) json.RawMessage {
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return json.RawMessage(args)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(args)
	}
	return out
}

// FromGemini converts a full Gemini response into the client response shape.
// Each candidate becomes one choice; function-call parts become tool calls
// with freshly generated ids.
func FromGemini(resp *schema.GeminiResponse, model string) *schema.ChatResponse {
	out := &schema.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}

	for i, cand := range resp.Candidates {
		msg := schema.ResponseMessage{Role: schema.RoleAssistant}
		finish := "stop"

		var text strings.Builder
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, newToolCall(part.FunctionCall))
			}
		}
		if text.Len() > 0 {
			s := text.String()
			msg.Content = &s
		}
		if len(msg.ToolCalls) > 0 {
			finish = "tool_calls"
		}
		if cand.FinishReason == schema.GeminiFinishMaxTokens {
			finish = "length"
		}

		out.Choices = append(out.Choices, schema.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		})
	}

	if resp.UsageMetadata != nil {
		out.Usage = schema.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	return out
}

// FromGeminiChunk converts one streamed Gemini object into a client chunk.
func FromGeminiChunk(resp *schema.GeminiResponse, model string) *schema.ChatChunk {
	out := &schema.ChatChunk{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}

	for i, cand := range resp.Candidates {
		var delta schema.Delta
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				delta.Content += part.Text
			}
			if part.FunctionCall != nil {
				delta.ToolCalls = append(delta.ToolCalls, newToolCall(part.FunctionCall))
			}
		}

		var finish *string
		switch cand.FinishReason {
		case schema.GeminiFinishMaxTokens:
			finish = strPtr("length")
		case schema.GeminiFinishStop:
			finish = strPtr("stop")
		}

		out.Choices = append(out.Choices, schema.ChunkChoice{
			Index:        i,
			Delta:        delta,
			FinishReason: finish,
		})
	}

	return out
}

// ErrorFromGemini translates an upstream error body into the client error
// shape and the gateway HTTP status to use.
//
// Upstream error payloads are sometimes wrapped in a one-element array; both
// forms are unwrapped. Unparsable bodies fall back to the raw bytes as the
// message and an HTTP-status-derived code.
func ErrorFromGemini(raw []byte, statusCode int) *apierr.APIError {
	var env schema.GeminiError
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Message == "" {
		var list []schema.GeminiError
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			env = list[0]
		}
	}

	if env.Error.Message == "" {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d error from upstream", statusCode)
		}
		return &apierr.APIError{
			Message: msg,
			Type:    apierr.TypeProviderError,
			Code:    fmt.Sprintf("http_%d", statusCode),
		}
	}

	errType := apierr.TypeProviderError
	status := env.Error.Status
	switch {
	case strings.Contains(status, "INVALID_ARGUMENT"), strings.Contains(status, "PERMISSION_DENIED"):
		errType = apierr.TypeInvalidRequest
	case strings.Contains(status, "UNAUTHENTICATED"):
		errType = apierr.TypeAuthenticationErr
	case strings.Contains(status, "RESOURCE_EXHAUSTED"):
		errType = apierr.TypeRateLimitError
	}

	code := status
	if code == "" {
		code = fmt.Sprintf("http_%d", statusCode)
	}

	return &apierr.APIError{
		Message: env.Error.Message,
		Type:    errType,
		Code:    code,
	}
}

// newToolCall wraps an upstream function call with a freshly generated id and
// JSON-encoded arguments.
func newToolCall(fc *schema.GeminiFunctionCall) schema.ToolCall {
	args := string(fc.Args)
	if args == "" {
		args = "{}"
	}
	return schema.ToolCall{
		ID:   "call_" + uuid.NewString()[:8],
		Type: "function",
		Function: schema.FunctionCall{
			Name:      fc.Name,
			Arguments: args,
		},
	}
}

func strPtr(s string) *string { return &s }
