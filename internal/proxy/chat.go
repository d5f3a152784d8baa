package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/gproxyhq/gproxy/internal/convert"
	"github.com/gproxyhq/gproxy/internal/schema"
	"github.com/gproxyhq/gproxy/internal/store"
	"github.com/gproxyhq/gproxy/internal/stream"
	"github.com/gproxyhq/gproxy/pkg/apierr"
)

// Client dialects accepted on the inbound side.
const (
	dialectOpenAI = "openai"
	dialectClaude = "claude"
)

// dispatchChat handles POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	g.completion(ctx, dialectOpenAI)
}

// dispatchMessages handles POST /v1/messages (Claude dialect, text-only).
func (g *Gateway) dispatchMessages(ctx *fasthttp.RequestCtx) {
	g.completion(ctx, dialectClaude)
}

// completion runs the full pipeline for one inbound request:
// authenticate, parse, preprocess, select key, dispatch, log.
func (g *Gateway) completion(ctx *fasthttp.RequestCtx, dialect string) {
	start := time.Now()
	route := "chat_completions"
	if dialect == dialectClaude {
		route = "messages"
	}
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.RecordRequest(dialect, status)
		g.metrics.ObserveGatewayRequest(route, false, dur)
	}()

	rc, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	req, ok := g.parseCompletion(ctx, dialect)
	if !ok {
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", rc.requestID),
		slog.String("dialect", dialect),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.Bool("virtual", rc.virtual != nil),
	)

	if !g.checkRateLimit(ctx, rc) {
		return
	}

	g.preprocess(rc, req)
	g.openLog(rc, req.Model, req.Stream)

	if !g.selectKey(ctx, rc) {
		return
	}

	upReq, err := g.conv.ToGemini(ctx, req)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("cannot convert request: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		if g.metrics != nil {
			g.metrics.RecordError("convert", "request")
		}
		g.finalizeLog(rc, store.LogError, fasthttp.StatusBadRequest, 0, 0, 0)
		return
	}
	upBody, err := json.Marshal(upReq)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize upstream request", apierr.TypeServerError, apierr.CodeInternalError)
		g.finalizeLog(rc, store.LogError, fasthttp.StatusInternalServerError, 0, 0, 0)
		return
	}

	if req.Stream {
		// Early stream failures (transport, upstream rejection) fall back to
		// the non-streaming accounting path.
		streaming = g.streamCompletion(ctx, rc, req, upBody, dialect, route, reqBytes)
		return
	}
	g.unaryCompletion(ctx, rc, req, upBody, dialect)
}

// parseCompletion decodes the inbound body into the client schema. The bool
// result is false when a 400 was already written.
func (g *Gateway) parseCompletion(ctx *fasthttp.RequestCtx, dialect string) (*schema.ChatRequest, bool) {
	// Native Gemini bodies belong on the /v1beta passthrough surface.
	if convert.DetectDialect(ctx.PostBody()) == "gemini" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"request body uses the Gemini 'contents' format; use the /v1beta passthrough endpoints for native requests",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}

	var req *schema.ChatRequest

	switch dialect {
	case dialectClaude:
		var cr schema.ClaudeRequest
		if err := json.Unmarshal(ctx.PostBody(), &cr); err != nil {
			writeBadJSON(ctx, err)
			return nil, false
		}
		req = convert.FromClaudeRequest(&cr)
	default:
		req = new(schema.ChatRequest)
		if err := json.Unmarshal(ctx.PostBody(), req); err != nil {
			writeBadJSON(ctx, err)
			return nil, false
		}
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	return req, true
}

func writeBadJSON(ctx *fasthttp.RequestCtx, err error) {
	apierr.Write(ctx, fasthttp.StatusBadRequest,
		fmt.Sprintf("invalid JSON: %s", err.Error()),
		apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

// checkRateLimit applies the RPM windows. The bool result is false when a
// 429 was already written.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, rc *requestContext) bool {
	if g.rpmLimiter == nil {
		return true
	}
	allowed, err := g.rpmLimiter.Allow(ctx, rc.virtualKeyID())
	if err == nil && !allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate limit exceeded",
			slog.String("request_id", rc.requestID),
			slog.Int64("virtual_key_id", rc.virtualKeyID()),
		)
		apierr.WriteRateLimit(ctx)
		return false
	}
	if g.metrics != nil {
		if err != nil {
			g.metrics.RecordRateLimit("error")
		} else {
			g.metrics.RecordRateLimit("allowed")
		}
	}
	return true
}

// ── Non-streaming path ────────────────────────────────────────────────────────

func (g *Gateway) unaryCompletion(ctx *fasthttp.RequestCtx, rc *requestContext, req *schema.ChatRequest, upBody []byte, dialect string) {
	upStart := time.Now()
	status, raw, err := g.upstream.Generate(ctx, req.Model, rc.credential(), upBody)
	upDur := time.Since(upStart)

	if err != nil {
		g.upstreamTransportError(ctx, rc, err, upDur)
		return
	}
	if g.metrics != nil {
		outcome := "success"
		if status < 200 || status >= 300 {
			outcome = "rejected"
		}
		g.metrics.ObserveUpstreamAttempt("generate", outcome, upDur)
	}

	if status < 200 || status >= 300 {
		g.upstreamRejected(ctx, rc, status, raw)
		return
	}

	var upResp schema.GeminiResponse
	if err := json.Unmarshal(raw, &upResp); err != nil {
		g.reportOutcome(rc, status, 0, 0)
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"unparsable upstream response", apierr.TypeProviderError, apierr.CodeProviderError)
		if g.metrics != nil {
			g.metrics.RecordError("convert", "response")
		}
		g.finalizeLog(rc, store.LogError, fasthttp.StatusBadGateway, 0, 0, 0)
		return
	}

	resp := convert.FromGemini(&upResp, req.Model)
	for i := range resp.Choices {
		if resp.Choices[i].Message.Content != nil {
			out := g.postprocess(rc, *resp.Choices[i].Message.Content)
			resp.Choices[i].Message.Content = &out
		}
	}

	inTok, outTok := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if resp.Usage.TotalTokens == 0 {
		inTok = estimatePromptTokens(req)
		outTok = estimateTokens(collectText(resp))
	}

	var body []byte
	var merr error
	if dialect == dialectClaude {
		body, merr = json.Marshal(convert.ToClaudeResponse(resp))
	} else {
		body, merr = json.Marshal(resp)
	}
	if merr != nil {
		g.reportOutcome(rc, status, inTok, outTok)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		g.finalizeLog(rc, store.LogError, fasthttp.StatusInternalServerError, inTok, outTok, 0)
		return
	}

	g.reportOutcome(rc, status, inTok, outTok)
	g.finalizeLog(rc, store.LogOK, fasthttp.StatusOK, inTok, outTok, 0)

	g.log.DebugContext(ctx, "response ok",
		slog.String("request_id", rc.requestID),
		slog.String("model", req.Model),
		slog.Int("input_tokens", inTok),
		slog.Int("output_tokens", outTok),
		slog.Duration("elapsed", time.Since(rc.start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// upstreamRejected converts a non-2xx upstream body into the client error
// shape, preserving the upstream's real status code.
func (g *Gateway) upstreamRejected(ctx *fasthttp.RequestCtx, rc *requestContext, status int, raw []byte) {
	g.reportOutcome(rc, status, 0, 0)

	e := convert.ErrorFromGemini(raw, status)
	g.log.WarnContext(ctx, "upstream rejected request",
		slog.String("request_id", rc.requestID),
		slog.Int("status", status),
		slog.String("error_type", e.Type),
	)
	if g.metrics != nil {
		g.metrics.RecordError("upstream", e.Type)
	}

	apierr.WriteError(ctx, status, e)
	g.finalizeLog(rc, store.LogError, status, 0, 0, 0)
}

// upstreamTransportError maps connection failures and timeouts to 502/504.
func (g *Gateway) upstreamTransportError(ctx *fasthttp.RequestCtx, rc *requestContext, err error, upDur time.Duration) {
	status := fasthttp.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = fasthttp.StatusGatewayTimeout
	}

	g.log.ErrorContext(ctx, "upstream transport error",
		slog.String("request_id", rc.requestID),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", upDur),
	)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt("generate", "transport_error", upDur)
		g.metrics.RecordError("upstream", "transport")
	}

	// Counts against the key as an error without deactivating it.
	g.reportOutcome(rc, status, 0, 0)

	if status == fasthttp.StatusGatewayTimeout {
		apierr.WriteTimeout(ctx)
	} else {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"upstream request failed", apierr.TypeProviderError, apierr.CodeProviderError)
	}
	g.finalizeLog(rc, store.LogError, status, 0, 0, 0)
}

// ── Streaming path ────────────────────────────────────────────────────────────

// streamCompletion dispatches streamGenerateContent and relays the response
// as Server-Sent Events. The upstream emits a JSON array of response objects
// in arbitrary fragments; the reassembler restores object boundaries, and
// each object is converted and re-framed in the client dialect.
//
// The stream runs off the gateway's base context, not the request context:
// fasthttp invokes the body writer after the handler returns. A failed write
// (client disconnect) cancels the upstream read.
func (g *Gateway) streamCompletion(ctx *fasthttp.RequestCtx, rc *requestContext, req *schema.ChatRequest, upBody []byte, dialect, route string, reqBytes int) bool {
	upStart := time.Now()
	resp, cancel, err := g.upstream.Stream(g.baseCtx, req.Model, rc.credential(), upBody)
	if err != nil {
		g.upstreamTransportError(ctx, rc, err, time.Since(upStart))
		return false
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		g.upstreamRejected(ctx, rc, resp.StatusCode, raw)
		return false
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := req.Model
	promptEstimate := estimatePromptTokens(req)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer cancel()
		defer resp.Body.Close()

		reasm := stream.NewReassembler()
		var (
			lastUsage  *schema.GeminiUsageMetadata
			outText    strings.Builder
			ttft       time.Duration
			gotFirst   bool
			clientGone bool
		)

		buf := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if !gotFirst {
					gotFirst = true
					ttft = time.Since(upStart)
					if g.metrics != nil {
						g.metrics.ObserveTTFT(model, ttft)
					}
				}
				for _, obj := range reasm.Feed(buf[:n]) {
					var upResp schema.GeminiResponse
					if err := json.Unmarshal(obj, &upResp); err != nil {
						// Not a complete valid object after all; skip it.
						continue
					}
					if upResp.UsageMetadata != nil {
						lastUsage = upResp.UsageMetadata
					}

					chunk := convert.FromGeminiChunk(&upResp, model)
					for i := range chunk.Choices {
						d := &chunk.Choices[i].Delta
						if d.Content != "" {
							d.Content = g.postprocess(rc, d.Content)
							outText.WriteString(d.Content)
						}
					}

					if !g.writeEvent(w, chunk, dialect) {
						clientGone = true
						break
					}
				}
			}
			if clientGone || rerr != nil {
				break
			}
		}

		if !clientGone {
			g.writeTerminator(w, dialect)
		}

		inTok, outTok := promptEstimate, estimateTokens(outText.String())
		if lastUsage != nil {
			inTok = lastUsage.PromptTokenCount
			outTok = lastUsage.CandidatesTokenCount
		}

		status := store.LogOK
		httpStatus := fasthttp.StatusOK
		if clientGone {
			status = store.LogError
			httpStatus = fasthttp.StatusOK // response status already sent
		}
		g.reportOutcome(rc, resp.StatusCode, inTok, outTok)
		g.finalizeLog(rc, status, httpStatus, inTok, outTok, ttft)

		if g.metrics != nil {
			dur := time.Since(rc.start)
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, -1)
			g.metrics.RecordRequest(dialect, fasthttp.StatusOK)
			g.metrics.ObserveGatewayRequest(route, true, dur)
			g.metrics.ObserveUpstreamAttempt("stream", "success", dur)
			g.metrics.DecInFlight()
		}
	})
	return true
}

// writeEvent frames one chunk in the requested dialect. Returns false when
// the client went away.
func (g *Gateway) writeEvent(w *bufio.Writer, chunk *schema.ChatChunk, dialect string) bool {
	var data []byte
	var event string

	if dialect == dialectClaude {
		data, _ = json.Marshal(convert.ToClaudeChunk(chunk))
		event = "content_block_delta"
	} else {
		data, _ = json.Marshal(chunk)
	}

	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	return w.Flush() == nil
}

// writeTerminator emits the dialect's end-of-stream sentinel.
func (g *Gateway) writeTerminator(w *bufio.Writer, dialect string) {
	if dialect == dialectClaude {
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	} else {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	w.Flush() //nolint:errcheck
}

// estimatePromptTokens approximates the prompt size from the text payloads.
func estimatePromptTokens(req *schema.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		if m.IsText() {
			total += len(m.Content)
			continue
		}
		for _, p := range m.Parts {
			total += len(p.Text)
		}
	}
	return total / 4
}

// collectText concatenates every text choice of a response.
func collectText(resp *schema.ChatResponse) string {
	var sb strings.Builder
	for _, c := range resp.Choices {
		if c.Message.Content != nil {
			sb.WriteString(*c.Message.Content)
		}
	}
	return sb.String()
}
