// Command gemini runs a lightweight HTTP mock of the Google Gemini API.
// It is used for E2E/load testing the gateway without real credentials.
//
// Endpoints:
//
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent
//	GET  /v1beta/models           (list models — used by key verification)
//
// Behaviour flags (via env):
//
//	PORT               — listen port (default 19003)
//	MOCK_LATENCY_MS    — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE    — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_ERROR_STATUS  — status code used when erroring (default 500; try 401/429)
//	MOCK_STREAM_WORDS  — words in the streamed response (default 12)
//	MOCK_FRAGMENT_SIZE — max bytes per streamed write (default 7)
//
// The streaming endpoint returns a JSON array of GenerateContentResponse
// objects and deliberately flushes it in small, arbitrary byte fragments so
// that object boundaries never align with network reads. That is exactly how
// the real API behaves and what the gateway's reassembler must cope with.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type config struct {
	Port         string
	LatencyMS    int
	ErrorRate    float64
	ErrorStatus  int
	StreamWords  int
	FragmentSize int
}

func loadConfig() config {
	c := config{Port: "19003", ErrorStatus: 500, StreamWords: 12, FragmentSize: 7}

	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_ERROR_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 400 && n < 600 {
			c.ErrorStatus = n
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_FRAGMENT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FragmentSize = n
		}
	}
	return c
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "Gemini", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGeminiError mirrors the google.rpc.Status envelope the real API uses.
func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	grpcStatus := "INTERNAL"
	switch status {
	case 400:
		grpcStatus = "INVALID_ARGUMENT"
	case 401:
		grpcStatus = "UNAUTHENTICATED"
	case 403:
		grpcStatus = "PERMISSION_DENIED"
	case 404:
		grpcStatus = "NOT_FOUND"
	case 429:
		grpcStatus = "RESOURCE_EXHAUSTED"
	case 503:
		grpcStatus = "UNAVAILABLE"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  grpcStatus,
		},
	})
}

// candidateResponse builds one GenerateContentResponse carrying the given text.
// Usage metadata is attached only when withUsage is true — on a stream the real
// API only reports it on the final element.
func candidateResponse(model, text, finishReason string, inTokens, outTokens int, withUsage bool) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]string{{"text": text}},
		},
		"index": 0,
	}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}

	resp := map[string]any{
		"candidates":   []any{candidate},
		"responseId":   fmt.Sprintf("mock-%x", rand.Int64()),
		"modelVersion": model,
	}
	if withUsage {
		resp["usageMetadata"] = map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      10 + outTokens,
		}
	}
	return resp
}

func handleGenerate(w http.ResponseWriter, cfg config, model string) {
	text := fakeSentence(cfg.StreamWords)
	writeJSON(w, http.StatusOK, candidateResponse(model, text, "STOP", 10, cfg.StreamWords, true))
}

// handleStreamGenerate writes a JSON array of responses, one word-ish chunk
// per element, flushed in fragments of at most cfg.FragmentSize bytes.
func handleStreamGenerate(w http.ResponseWriter, cfg config, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGeminiError(w, http.StatusInternalServerError, "mock: streaming unsupported")
		return
	}

	words := strings.Fields(fakeSentence(cfg.StreamWords))

	// Roughly three words per stream element.
	var elements []string
	for i := 0; i < len(words); i += 3 {
		end := i + 3
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		last := end == len(words)
		finish := ""
		if last {
			finish = "STOP"
		}
		raw, _ := json.Marshal(candidateResponse(model, chunk, finish, 10, cfg.StreamWords, last))
		elements = append(elements, string(raw))
	}

	payload := "[" + strings.Join(elements, ",\n") + "]"

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	for len(payload) > 0 {
		n := cfg.FragmentSize
		if n > len(payload) {
			n = len(payload)
		}
		if _, err := w.Write([]byte(payload[:n])); err != nil {
			return
		}
		flusher.Flush()
		payload = payload[n:]
	}
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	rest := strings.TrimPrefix(path, prefix)
	if col := strings.Index(rest, ":"); col >= 0 {
		return rest[:col]
	}
	return rest
}

func newHandler(cfg config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, cfg.ErrorStatus, "mock upstream error")
			return
		}

		path := r.URL.Path
		model := extractModel(path)
		switch {
		case strings.HasSuffix(path, ":generateContent"):
			handleGenerate(w, cfg, model)
		case strings.HasSuffix(path, ":streamGenerateContent"):
			handleStreamGenerate(w, cfg, model)
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	// GET /v1beta/models — key verification probe.
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
				{"name": "models/gemini-2.5-pro", "displayName": "Gemini 2.5 Pro"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("mock gemini listening",
		slog.String("addr", srv.Addr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("fragment_size", cfg.FragmentSize),
	)
	fmt.Println("READY")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
