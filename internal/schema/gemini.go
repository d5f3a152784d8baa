package schema

import "encoding/json"

// Gemini REST shapes for generateContent / streamGenerateContent.
// Field names follow the v1beta wire format.

type (
	GeminiRequest struct {
		Contents          []GeminiContent        `json:"contents"`
		SystemInstruction *GeminiContent         `json:"system_instruction,omitempty"`
		GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
		Tools             []GeminiTool           `json:"tools,omitempty"`
		ToolConfig        *GeminiToolConfig      `json:"tool_config,omitempty"`
	}

	GeminiContent struct {
		Role  string       `json:"role,omitempty"`
		Parts []GeminiPart `json:"parts"`
	}

	// GeminiPart is a union: exactly one field set.
	GeminiPart struct {
		Text             string                  `json:"text,omitempty"`
		InlineData       *GeminiInlineData       `json:"inline_data,omitempty"`
		FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
		FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
	}

	GeminiInlineData struct {
		MIMEType string `json:"mime_type"`
		Data     string `json:"data"`
	}

	GeminiFunctionCall struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}

	GeminiFunctionResponse struct {
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response"`
	}

	GeminiGenerationConfig struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	}

	GeminiTool struct {
		FunctionDeclarations []GeminiFunctionDeclaration `json:"function_declarations"`
	}

	GeminiFunctionDeclaration struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	GeminiToolConfig struct {
		FunctionCallingConfig GeminiFunctionCallingConfig `json:"function_calling_config"`
	}

	GeminiFunctionCallingConfig struct {
		// Mode is one of NONE, AUTO, ANY.
		Mode                 string   `json:"mode"`
		AllowedFunctionNames []string `json:"allowed_function_names,omitempty"`
	}

	GeminiResponse struct {
		Candidates    []GeminiCandidate    `json:"candidates"`
		UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
		ResponseID    string               `json:"responseId,omitempty"`
	}

	GeminiCandidate struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
		Index        int           `json:"index,omitempty"`
	}

	GeminiUsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	}

	// GeminiError is the upstream error envelope. Error payloads are sometimes
	// wrapped in a one-element JSON array; convert.ErrorFromGemini unwraps.
	GeminiError struct {
		Error GeminiErrorBody `json:"error"`
	}

	GeminiErrorBody struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	}
)

// Gemini finish reasons observed on the wire.
const (
	GeminiFinishStop      = "STOP"
	GeminiFinishMaxTokens = "MAX_TOKENS"
)
