package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/gproxyhq/gproxy/internal/keypool"
	"github.com/gproxyhq/gproxy/internal/preset"
	"github.com/gproxyhq/gproxy/internal/rewrite"
	"github.com/gproxyhq/gproxy/internal/schema"
	"github.com/gproxyhq/gproxy/internal/store"
)

// --- helpers ----------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedDefaults fills a store with one active pooled key and one active
// virtual key.
func seedDefaults(st *store.MemoryStore) {
	st.SeedUpstreamKeys([]store.UpstreamKey{
		{ID: 1, Secret: "AIza-pool-1", IsActive: true},
	})
	st.SeedVirtualKey(store.VirtualKey{
		ID: 10, Secret: "gapi-test", OwnerID: 7, IsActive: true,
	})
}

// upstreamRecorder captures every request the mock upstream receives.
type upstreamRecorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

type recordedRequest struct {
	path   string
	apiKey string
	body   []byte
}

func (r *upstreamRecorder) record(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.reqs = append(r.reqs, recordedRequest{
		path:   req.URL.Path,
		apiKey: req.Header.Get("x-goog-api-key"),
		body:   body,
	})
	r.mu.Unlock()
}

func (r *upstreamRecorder) last(t *testing.T) recordedRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reqs) == 0 {
		t.Fatal("mock upstream received no requests")
	}
	return r.reqs[len(r.reqs)-1]
}

func (r *upstreamRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

// geminiText builds a successful generateContent body.
func geminiText(text string, in, out int) []byte {
	resp := schema.GeminiResponse{
		Candidates: []schema.GeminiCandidate{{
			Content:      schema.GeminiContent{Role: "model", Parts: []schema.GeminiPart{{Text: text}}},
			FinishReason: schema.GeminiFinishStop,
		}},
	}
	if in > 0 || out > 0 {
		resp.UsageMetadata = &schema.GeminiUsageMetadata{
			PromptTokenCount:     in,
			CandidatesTokenCount: out,
			TotalTokenCount:      in + out,
		}
	}
	body, _ := json.Marshal(resp)
	return body
}

// geminiError builds an upstream error envelope.
func geminiError(code int, status, msg string) []byte {
	body, _ := json.Marshal(schema.GeminiError{Error: schema.GeminiErrorBody{
		Code: code, Status: status, Message: msg,
	}})
	return body
}

// startGateway wires a gateway against the given mock upstream handler and
// serves it over an in-memory listener. Returns an HTTP client that routes to
// the gateway and the gateway itself.
func startGateway(t *testing.T, st *store.MemoryStore, upstream http.Handler) (*http.Client, *Gateway) {
	t.Helper()

	ts := httptest.NewServer(upstream)
	t.Cleanup(ts.Close)

	pool := keypool.NewManager(st, discardLogger())
	up := NewUpstreamClient(ts.URL, Timeouts{})
	gw := NewGatewayWithOptions(context.Background(), st, pool, up, GatewayOptions{
		Logger: discardLogger(),
	})
	t.Cleanup(gw.Close)

	ln := fasthttputil.NewInmemoryListener()
	srv := gw.Server(nil)
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, gw
}

// doPost sends a POST with an optional bearer credential.
func doPost(t *testing.T, client *http.Client, path, apiKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// decodeError unwraps the {"error": {...}} envelope.
func decodeError(t *testing.T, body []byte) (errType, errCode string) {
	t.Helper()
	var env struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("error envelope: %v (%s)", err, body)
	}
	return env.Error.Type, env.Error.Code
}

const chatBody = `{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hello"}]}`

// --- authentication ---------------------------------------------------------

// TestGatewayRejectsMissingCredentials verifies a credential-less request is
// refused before anything reaches the upstream.
func TestGatewayRejectsMissingCredentials(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))

	resp := doPost(t, client, "/v1/chat/completions", "", chatBody)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	errType, errCode := decodeError(t, readBody(t, resp))
	if errType != "authentication_error" || errCode != "invalid_api_key" {
		t.Fatalf("error = %s/%s", errType, errCode)
	}
	if rec.count() != 0 {
		t.Fatal("unauthenticated request reached the upstream")
	}
}

// TestGatewayRejectsUnknownVirtualKey verifies unknown and inactive gateway
// keys both yield 401.
func TestGatewayRejectsUnknownVirtualKey(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	st.SeedVirtualKey(store.VirtualKey{ID: 11, Secret: "gapi-retired", IsActive: false})
	client, _ := startGateway(t, st, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	for _, key := range []string{"gapi-nope", "gapi-retired"} {
		resp := doPost(t, client, "/v1/chat/completions", key, chatBody)
		readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, resp.StatusCode)
		}
	}
}

// TestGatewayAcceptsAllCredentialLocations verifies bearer token, the Google
// header, and the query parameter all authenticate identically.
func TestGatewayAcceptsAllCredentialLocations(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(geminiText("ok", 1, 1)) //nolint:errcheck
	}))

	send := func(decorate func(*http.Request)) int {
		req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", strings.NewReader(chatBody))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		decorate(req)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		readBody(t, resp)
		return resp.StatusCode
	}

	if got := send(func(r *http.Request) { r.Header.Set("Authorization", "Bearer gapi-test") }); got != 200 {
		t.Errorf("bearer auth: status = %d", got)
	}
	if got := send(func(r *http.Request) { r.Header.Set("x-goog-api-key", "gapi-test") }); got != 200 {
		t.Errorf("header auth: status = %d", got)
	}
	if got := send(func(r *http.Request) { r.URL.RawQuery = "key=gapi-test" }); got != 200 {
		t.Errorf("query auth: status = %d", got)
	}
}

// --- completion pipeline ----------------------------------------------------

// TestGatewayCompletion verifies the full virtual-key path: pooled key
// injection, dialect conversion, and usage propagation.
func TestGatewayCompletion(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Write(geminiText("Hello there", 5, 3)) //nolint:errcheck
	}))

	resp := doPost(t, client, "/v1/chat/completions", "gapi-test", chatBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out schema.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("response: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content == nil {
		t.Fatalf("choices = %+v", out.Choices)
	}
	if got := *out.Choices[0].Message.Content; got != "Hello there" {
		t.Errorf("content = %q", got)
	}
	if out.Usage.PromptTokens != 5 || out.Usage.CompletionTokens != 3 || out.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", out.Usage)
	}

	up := rec.last(t)
	if up.path != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("upstream path = %q", up.path)
	}
	if up.apiKey != "AIza-pool-1" {
		t.Errorf("upstream key = %q, want the pooled key", up.apiKey)
	}

	// One request accounted against the pooled key.
	keys, _ := st.LoadKeyPool(context.Background())
	if keys[0].UsageCount != 1 || keys[0].TotalTokens != 8 {
		t.Errorf("pooled key counters = %+v", keys[0])
	}
}

// TestGatewayRawKeyBypassesPool verifies passthrough auth: the caller's own
// upstream key is forwarded and the pool stays untouched.
func TestGatewayRawKeyBypassesPool(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Write(geminiText("ok", 1, 1)) //nolint:errcheck
	}))

	resp := doPost(t, client, "/v1/chat/completions", "AIza-my-own-key", chatBody)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := rec.last(t).apiKey; got != "AIza-my-own-key" {
		t.Errorf("upstream key = %q, want the caller's raw key", got)
	}

	keys, _ := st.LoadKeyPool(context.Background())
	if keys[0].UsageCount != 0 {
		t.Errorf("pool usage = %d, want 0 for raw-key traffic", keys[0].UsageCount)
	}
}

// TestGatewayRejectsBadRequests verifies body validation happens after auth.
func TestGatewayRejectsBadRequests(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"model": `},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"gemini-2.0-flash","messages":[]}`},
	}
	for _, c := range cases {
		resp := doPost(t, client, "/v1/chat/completions", "gapi-test", c.body)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", c.name, resp.StatusCode)
			continue
		}
		if errType, _ := decodeError(t, body); errType != "invalid_request_error" {
			t.Errorf("%s: error type = %q", c.name, errType)
		}
	}
}

// TestGatewayRejectsGeminiNativeBody verifies a native Gemini "contents" body
// on the converted surface is refused with a pointer at the passthrough
// routes.
func TestGatewayRejectsGeminiNativeBody(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))

	body := `{"contents":[{"parts":[{"text":"hi"}]}]}`
	for _, path := range []string{"/v1/chat/completions", "/v1/messages"} {
		resp := doPost(t, client, path, "gapi-test", body)
		respBody := readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", path, resp.StatusCode)
		}
		var env struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &env); err != nil {
			t.Fatal(err)
		}
		if env.Error.Type != "invalid_request_error" {
			t.Errorf("%s: error type = %q", path, env.Error.Type)
		}
		if !strings.Contains(env.Error.Message, "/v1beta") {
			t.Errorf("%s: message = %q, want a pointer at the passthrough routes", path, env.Error.Message)
		}
	}
	if rec.count() != 0 {
		t.Fatal("gemini-native body reached the upstream")
	}
}

// --- preprocessing ----------------------------------------------------------

// TestGatewayRewriteRules verifies pre rules fire before dispatch and post
// rules fire on the response text.
func TestGatewayRewriteRules(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	st.SeedVirtualKey(store.VirtualKey{ID: 10, Secret: "gapi-test", IsActive: true, RegexEnabled: true})
	st.SeedGlobalRules([]rewrite.Rule{
		{ID: 1, Pattern: "foo", Replacement: "bar", Kind: rewrite.KindPre, IsActive: true},
		{ID: 2, Pattern: "(?i)secret", Replacement: "[redacted]", Kind: rewrite.KindPost, IsActive: true},
	})

	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Write(geminiText("this is Secret", 1, 1)) //nolint:errcheck
	}))

	body := `{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"foo fighters"}]}`
	resp := doPost(t, client, "/v1/chat/completions", "gapi-test", body)
	respBody := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var upReq schema.GeminiRequest
	if err := json.Unmarshal(rec.last(t).body, &upReq); err != nil {
		t.Fatalf("upstream request: %v", err)
	}
	if got := upReq.Contents[0].Parts[0].Text; got != "bar fighters" {
		t.Errorf("upstream prompt = %q, want the pre rule applied", got)
	}

	var out schema.ChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		t.Fatal(err)
	}
	if got := *out.Choices[0].Message.Content; got != "this is [redacted]" {
		t.Errorf("response content = %q, want the post rule applied", got)
	}
}

// TestGatewayPresetExpansion verifies the bound preset rebuilds the upstream
// prompt: the template system message becomes the system instruction and the
// caller's user turn survives.
func TestGatewayPresetExpansion(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	st.SeedVirtualKey(store.VirtualKey{ID: 10, Secret: "gapi-test", IsActive: true, PresetID: 2})
	st.SeedPreset(preset.Preset{
		ID: 2, Name: "roleplay", IsActive: true,
		Items: []preset.Item{
			{Type: preset.ItemNormal, Role: schema.RoleSystem, Content: "stay in character", Enabled: true, Order: 1},
			{Type: preset.ItemUserInput, Enabled: true, Order: 2},
		},
	}, nil)

	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Write(geminiText("ok", 1, 1)) //nolint:errcheck
	}))

	resp := doPost(t, client, "/v1/chat/completions", "gapi-test", chatBody)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var upReq schema.GeminiRequest
	if err := json.Unmarshal(rec.last(t).body, &upReq); err != nil {
		t.Fatal(err)
	}
	if upReq.SystemInstruction == nil || upReq.SystemInstruction.Parts[0].Text != "stay in character" {
		t.Fatalf("system_instruction = %+v", upReq.SystemInstruction)
	}
	if len(upReq.Contents) != 1 || upReq.Contents[0].Parts[0].Text != "hello" {
		t.Fatalf("contents = %+v", upReq.Contents)
	}
}

// --- upstream failures ------------------------------------------------------

// TestGatewayUpstream401DeactivatesKey verifies a 401 retires the pooled key
// and an exhausted pool turns into 503 for the next caller.
func TestGatewayUpstream401DeactivatesKey(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write(geminiError(401, "UNAUTHENTICATED", "API key not valid")) //nolint:errcheck
	}))

	resp := doPost(t, client, "/v1/chat/completions", "gapi-test", chatBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want the upstream 401 preserved", resp.StatusCode)
	}
	if errType, _ := decodeError(t, body); errType != "authentication_error" {
		t.Errorf("error type = %q", errType)
	}

	keys, _ := st.LoadKeyPool(context.Background())
	if keys[0].IsActive {
		t.Fatal("pooled key still active after upstream 401")
	}
	if keys[0].ErrorCount != 1 || keys[0].LastStatus != 401 {
		t.Errorf("key counters = %+v", keys[0])
	}

	// Pool is now empty; the next virtual-key request cannot dispatch.
	resp = doPost(t, client, "/v1/chat/completions", "gapi-test", chatBody)
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 on exhausted pool", resp.StatusCode)
	}
	if _, errCode := decodeError(t, body); errCode != "no_active_upstream_keys" {
		t.Errorf("error code = %q", errCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

// TestGatewayUpstream429 verifies quota errors map to the rate limit type
// without touching key activation.
func TestGatewayUpstream429(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write(geminiError(429, "RESOURCE_EXHAUSTED", "quota exceeded")) //nolint:errcheck
	}))

	resp := doPost(t, client, "/v1/chat/completions", "gapi-test", chatBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if errType, _ := decodeError(t, body); errType != "rate_limit_error" {
		t.Errorf("error type = %q", errType)
	}

	keys, _ := st.LoadKeyPool(context.Background())
	if !keys[0].IsActive {
		t.Fatal("429 must not deactivate the key")
	}
	if keys[0].ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", keys[0].ErrorCount)
	}
}

// --- streaming --------------------------------------------------------------

// fragmentedStream serves a streamGenerateContent JSON array flushed in tiny
// fragments, so object boundaries never align with reads.
func fragmentedStream(elements [][]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		f, _ := w.(http.Flusher)

		parts := make([]string, len(elements))
		for i, el := range elements {
			parts[i] = string(el)
		}
		payload := "[" + strings.Join(parts, ",\n") + "]"

		const frag = 7
		for off := 0; off < len(payload); off += frag {
			end := off + frag
			if end > len(payload) {
				end = len(payload)
			}
			w.Write([]byte(payload[off:end])) //nolint:errcheck
			if f != nil {
				f.Flush()
			}
		}
	}
}

// readSSE splits a text/event-stream body into event names and data payloads.
func readSSE(t *testing.T, body io.Reader) (events, datas []string) {
	t.Helper()
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			datas = append(datas, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return events, datas
}

// TestGatewayStreaming verifies the reassembled stream comes out as OpenAI
// chunks with a [DONE] sentinel, and the final usage metadata is what gets
// accounted.
func TestGatewayStreaming(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, fragmentedStream([][]byte{
		geminiText("Hello", 0, 0),
		geminiText(" wor", 0, 0),
		geminiText("ld!", 7, 5),
	}))

	body := `{"model":"gemini-2.0-flash","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	resp := doPost(t, client, "/v1/chat/completions", "gapi-test", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	_, datas := readSSE(t, resp.Body)
	if len(datas) == 0 || datas[len(datas)-1] != "[DONE]" {
		t.Fatalf("stream not terminated with [DONE]: %v", datas)
	}

	var text strings.Builder
	for _, d := range datas[:len(datas)-1] {
		var chunk schema.ChatChunk
		if err := json.Unmarshal([]byte(d), &chunk); err != nil {
			t.Fatalf("chunk %q: %v", d, err)
		}
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
	}
	if got := text.String(); got != "Hello world!" {
		t.Errorf("streamed text = %q", got)
	}

	// Accounting runs in the stream writer after the terminator; poll briefly.
	deadline := time.After(2 * time.Second)
	for {
		keys, _ := st.LoadKeyPool(context.Background())
		if keys[0].TotalTokens == 12 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("key tokens = %d, want 12 from the final usage metadata", keys[0].TotalTokens)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestGatewayStreamingPostRules verifies post rules rewrite every delta.
func TestGatewayStreamingPostRules(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	st.SeedVirtualKey(store.VirtualKey{ID: 10, Secret: "gapi-test", IsActive: true, RegexEnabled: true})
	st.SeedGlobalRules([]rewrite.Rule{
		{ID: 1, Pattern: "cat", Replacement: "dog", Kind: rewrite.KindPost, IsActive: true},
	})
	client, _ := startGateway(t, st, fragmentedStream([][]byte{
		geminiText("the cat ", 0, 0),
		geminiText("sat on the cat", 2, 2),
	}))

	body := `{"model":"gemini-2.0-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := doPost(t, client, "/v1/chat/completions", "gapi-test", body)
	defer resp.Body.Close()

	_, datas := readSSE(t, resp.Body)
	var text strings.Builder
	for _, d := range datas {
		if d == "[DONE]" {
			continue
		}
		var chunk schema.ChatChunk
		if err := json.Unmarshal([]byte(d), &chunk); err != nil {
			t.Fatal(err)
		}
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
	}
	if got := text.String(); got != "the dog sat on the dog" {
		t.Errorf("streamed text = %q", got)
	}
}

// --- Claude dialect ---------------------------------------------------------

// TestGatewayClaudeMessages verifies POST /v1/messages speaks the Claude
// envelope end to end.
func TestGatewayClaudeMessages(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Write(geminiText("claude says hi", 4, 2)) //nolint:errcheck
	}))

	body := `{"model":"gemini-2.0-flash","max_tokens":100,"system":"be brief","messages":[{"role":"user","content":"hi"}]}`
	resp := doPost(t, client, "/v1/messages", "gapi-test", body)
	respBody := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, respBody)
	}

	var out schema.ClaudeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "message" || out.StopReason != "end_turn" {
		t.Fatalf("envelope = %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "claude says hi" {
		t.Fatalf("content = %+v", out.Content)
	}
	if out.Usage.InputTokens != 4 || out.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", out.Usage)
	}

	// The system prompt rides along as the system instruction.
	var upReq schema.GeminiRequest
	if err := json.Unmarshal(rec.last(t).body, &upReq); err != nil {
		t.Fatal(err)
	}
	if upReq.SystemInstruction == nil || upReq.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system_instruction = %+v", upReq.SystemInstruction)
	}
}

// TestGatewayClaudeStreaming verifies the Claude event framing: delta events
// and the message_stop sentinel.
func TestGatewayClaudeStreaming(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, fragmentedStream([][]byte{
		geminiText("one", 0, 0),
		geminiText(" two", 1, 1),
	}))

	body := `{"model":"gemini-2.0-flash","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := doPost(t, client, "/v1/messages", "gapi-test", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	events, datas := readSSE(t, resp.Body)
	if len(events) < 3 {
		t.Fatalf("events = %v, want deltas plus message_stop", events)
	}
	if events[len(events)-1] != "message_stop" {
		t.Fatalf("last event = %q, want message_stop", events[len(events)-1])
	}
	for _, e := range events[:len(events)-1] {
		if e != "content_block_delta" {
			t.Fatalf("unexpected event %q", e)
		}
	}

	var text strings.Builder
	for _, d := range datas {
		var chunk schema.ClaudeChunk
		if err := json.Unmarshal([]byte(d), &chunk); err != nil {
			t.Fatal(err)
		}
		text.WriteString(chunk.Delta.Text)
	}
	if got := text.String(); got != "one two" {
		t.Errorf("streamed text = %q", got)
	}
}

// --- passthrough ------------------------------------------------------------

// TestGatewayPassthrough verifies the native surface relays bodies verbatim
// while swapping the virtual key for a pooled one.
func TestGatewayPassthrough(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	rec := &upstreamRecorder{}
	upstreamBody := `{"candidates":[{"content":{"parts":[{"text":"native"}]}}]}`
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, upstreamBody) //nolint:errcheck
	}))

	reqBody := `{"contents":[{"parts":[{"text":"hi"}]}]}`
	resp := doPost(t, client, "/v1beta/models/gemini-2.5-pro:generateContent", "gapi-test", reqBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != upstreamBody {
		t.Errorf("body = %s, want verbatim relay", body)
	}

	up := rec.last(t)
	if up.path != "/v1beta/models/gemini-2.5-pro:generateContent" {
		t.Errorf("upstream path = %q", up.path)
	}
	if up.apiKey != "AIza-pool-1" {
		t.Errorf("upstream key = %q, want the pooled key", up.apiKey)
	}
	if string(up.body) != reqBody {
		t.Errorf("upstream body = %s, want verbatim relay", up.body)
	}
}

// TestGatewayPassthroughListModels verifies GET /v1beta/models with raw-key
// auth.
func TestGatewayPassthroughListModels(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	rec := &upstreamRecorder{}
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		io.WriteString(w, `{"models":[{"name":"models/gemini-2.0-flash"}]}`) //nolint:errcheck
	}))

	req, err := http.NewRequest(http.MethodGet, "http://gateway/v1beta/models", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("x-goog-api-key", "AIza-raw")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "gemini-2.0-flash") {
		t.Errorf("body = %s", body)
	}
	if got := rec.last(t).apiKey; got != "AIza-raw" {
		t.Errorf("upstream key = %q", got)
	}

	// Unknown model action segments are rejected locally.
	resp = doPost(t, client, "/v1beta/models/notanaction", "AIza-raw", "{}")
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bad segment status = %d, want 404", resp.StatusCode)
	}
}

// TestGatewayPassthroughStreamClientDisconnect verifies a client that hangs up
// mid-relay gets its request log finalized as an error, same as the converted
// streaming path.
func TestGatewayPassthroughStreamClientDisconnect(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		f, _ := w.(http.Flusher)
		for i := 0; i < 500; i++ {
			if _, err := io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`); err != nil {
				return
			}
			if f != nil {
				f.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))

	reqBody := `{"contents":[{"parts":[{"text":"hi"}]}]}`
	resp := doPost(t, client, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", "gapi-test", reqBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Read a little, then drop the connection mid-stream.
	buf := make([]byte, 16)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}
	resp.Body.Close()

	deadline := time.After(3 * time.Second)
	for {
		entry, ok := st.Log(1)
		if ok && entry.Status == store.LogError {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("log = %+v, want error status after client disconnect", entry)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// --- health -----------------------------------------------------------------

// TestGatewayHealthEndpoints verifies /health and /readiness reflect the pool
// state. The first probe runs synchronously in the constructor, so no waiting
// is needed.
func TestGatewayHealthEndpoints(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	client, _ := startGateway(t, st, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	resp, err := client.Get("http://gateway/health")
	if err != nil {
		t.Fatal(err)
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(readBody(t, resp), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != "ok" || snap.KeyPool != "ok" {
		t.Fatalf("health = %+v", snap)
	}
	if snap.ActiveKeys != 1 || snap.TotalKeys != 1 {
		t.Errorf("key counts = %d/%d", snap.ActiveKeys, snap.TotalKeys)
	}

	resp, err = client.Get("http://gateway/readiness")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness status = %d", resp.StatusCode)
	}
}

// TestGatewayReadinessDegraded verifies readiness fails when no key is in
// rotation.
func TestGatewayReadinessDegraded(t *testing.T) {
	st := store.NewMemoryStore()
	st.SeedUpstreamKeys([]store.UpstreamKey{{ID: 1, Secret: "AIza-dead", IsActive: false}})
	client, _ := startGateway(t, st, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	resp, err := client.Get("http://gateway/readiness")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d, want 503", resp.StatusCode)
	}

	resp, err = client.Get("http://gateway/health")
	if err != nil {
		t.Fatal(err)
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(readBody(t, resp), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != "degraded" || snap.KeyPool != "degraded" {
		t.Errorf("health = %+v", snap)
	}
}

// --- construction -----------------------------------------------------------

// TestNewGatewayPanicsOnNilContext verifies the constructor contract.
func TestNewGatewayPanicsOnNilContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nil context")
		}
	}()
	NewGatewayWithOptions(nil, store.NewMemoryStore(), nil, nil, GatewayOptions{})
}

// TestGatewaySetters verifies the optional dependency setters.
func TestGatewaySetters(t *testing.T) {
	st := store.NewMemoryStore()
	seedDefaults(st)
	pool := keypool.NewManager(st, discardLogger())
	gw := NewGatewayWithOptions(context.Background(), st, pool,
		NewUpstreamClient("http://127.0.0.1:1", Timeouts{}), GatewayOptions{Logger: discardLogger()})
	defer gw.Close()

	gw.SetCORSOrigins([]string{"https://app.example.com"})
	if len(gw.corsOrigins) != 1 {
		t.Errorf("corsOrigins = %v", gw.corsOrigins)
	}
	gw.SetRateLimiters(nil)
	gw.SetLogger(nil)
}
