package proxy

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/gproxyhq/gproxy/internal/store"
	"github.com/gproxyhq/gproxy/pkg/apierr"
)

// Passthrough routes expose the native Gemini surface. The gateway only
// resolves credentials — virtual keys are swapped for a pooled key, raw keys
// forwarded as-is — and relays bodies verbatim in both directions. No preset,
// rewrite, or dialect conversion applies here.

// dispatchModelAction handles POST /v1beta/models/{modelAction}, where the
// path segment is "model:action" ("gemini-2.5-pro:generateContent").
func (g *Gateway) dispatchModelAction(ctx *fasthttp.RequestCtx) {
	seg, _ := ctx.UserValue("modelAction").(string)
	model, action, ok := strings.Cut(seg, ":")
	if !ok || model == "" {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"unknown model action", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	streaming := action == "streamGenerateContent"
	g.passthrough(ctx, "/v1beta/models/"+seg, model, streaming)
}

// dispatchListModels handles GET /v1beta/models.
func (g *Gateway) dispatchListModels(ctx *fasthttp.RequestCtx) {
	g.passthrough(ctx, "/v1beta/models", "", false)
}

func (g *Gateway) passthrough(ctx *fasthttp.RequestCtx, path, model string, streaming bool) {
	start := time.Now()
	route := "passthrough"
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	relayed := false
	defer func() {
		if g.metrics == nil || relayed {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}()

	rc, ok := g.authenticate(ctx)
	if !ok {
		return
	}
	if !g.checkRateLimit(ctx, rc) {
		return
	}
	if model != "" {
		g.openLog(rc, model, streaming)
	}
	if !g.selectKey(ctx, rc) {
		return
	}

	g.log.InfoContext(ctx, "passthrough",
		slog.String("request_id", rc.requestID),
		slog.String("path", path),
		slog.Bool("stream", streaming),
	)

	method := string(ctx.Method())
	var body []byte
	if method == fasthttp.MethodPost {
		body = ctx.PostBody()
	}

	resp, cancel, err := g.upstream.Forward(ctx, method, path, rc.credential(), body, streaming)
	if err != nil {
		g.upstreamTransportError(ctx, rc, err, time.Since(start))
		return
	}

	if !streaming || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()

		raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if rerr != nil {
			g.upstreamTransportError(ctx, rc, rerr, time.Since(start))
			return
		}

		g.reportOutcome(rc, resp.StatusCode, 0, 0)
		if model != "" {
			status := store.LogOK
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				status = store.LogError
			}
			g.finalizeLog(rc, status, resp.StatusCode, 0, 0, 0)
		}

		ctx.SetStatusCode(resp.StatusCode)
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			ctx.SetContentType(ct)
		}
		ctx.SetBody(raw)
		return
	}

	// Streaming success: relay bytes as they arrive.
	relayed = true
	ctx.SetStatusCode(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	}

	upStatus := resp.StatusCode
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer cancel()
		defer resp.Body.Close()

		var ttft time.Duration
		gotFirst := false
		clientGone := false

		buf := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if !gotFirst {
					gotFirst = true
					ttft = time.Since(start)
				}
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientGone = true
					break
				}
				if w.Flush() != nil {
					clientGone = true
					break
				}
			}
			if rerr != nil {
				break
			}
		}

		g.reportOutcome(rc, upStatus, 0, 0)
		if model != "" {
			status := store.LogOK
			if clientGone {
				status = store.LogError
			}
			g.finalizeLog(rc, status, upStatus, 0, 0, ttft)
		}
		if g.metrics != nil {
			g.metrics.ObserveHTTP(route, upStatus, time.Since(start), reqBytes, -1)
			g.metrics.DecInFlight()
		}
	})
}
