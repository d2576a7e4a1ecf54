package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-meter/internal/auth"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/gate"
	"github.com/vnmchuo/usage-meter/internal/meter"
	"github.com/vnmchuo/usage-meter/internal/provider"
	"github.com/vnmchuo/usage-meter/internal/quota"
	"github.com/vnmchuo/usage-meter/internal/stream"
	"github.com/vnmchuo/usage-meter/internal/usage"
	"github.com/vnmchuo/usage-meter/internal/worker"
)

// DefaultMaxTokens is the output reservation used for admission when a
// request does not set max_tokens.
const DefaultMaxTokens = 1000

// Meter is the part of the metering engine the handlers use.
type Meter interface {
	Admit(ctx context.Context, caller usage.Caller, model string, amount int64) gate.Decision
	Status(ctx context.Context, caller usage.Caller, model string) (gate.Decision, error)
	Period(ctx context.Context, caller usage.Caller) (quota.Quota, *billing.Row, error)
	TrackUsage(ctx context.Context, caller usage.Caller, u meter.Usage) error
	NewStream(caller usage.Caller, model string) *stream.Accountant
	CountTokens(model, text string) int64
}

type Handler struct {
	meter    Meter
	provider provider.Provider
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewHandler(m Meter, p provider.Provider, tracer trace.Tracer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		meter:    m,
		provider: p,
		tracer:   tracer,
		logger:   logger,
	}
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRateLimited answers 429 with the wait until the quota resets.
func writeRateLimited(w http.ResponseWriter, d gate.Decision) {
	retry := int64(60)
	if d.Reason == gate.ReasonQuota && d.Quota.SecondsUntilReset > 0 {
		retry = d.Quota.SecondsUntilReset
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":        "rate limit exceeded",
		"reason":       d.Reason,
		"exceeded":     d.Exceeded,
		"retry_after":  retry,
		"rate_limited": true,
	})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (usage.Caller, bool) {
	c := auth.Caller(r.Context())
	if c.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return c, false
	}
	return c, true
}

type prepared struct {
	caller       usage.Caller
	requestID    string
	req          *provider.Request
	promptTokens int64
	span         trace.Span
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (context.Context, *prepared, bool) {
	ctx := r.Context()
	caller, ok := h.caller(w, r)
	if !ok {
		return ctx, nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body chatRequest
	if r.Body == nil || json.NewDecoder(r.Body).Decode(&body) != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return ctx, nil, false
	}

	req := &provider.Request{
		Model:       body.Model,
		Messages:    body.Messages,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		UserID:      caller.UserID,
		RequestID:   requestID,
	}

	ctx, span := h.tracer.Start(ctx, "proxy.complete")
	span.SetAttributes(
		attribute.String("user_id", caller.UserID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	promptTokens := h.meter.CountTokens(req.Model, req.Text())
	reserve := int64(req.MaxTokens)
	if reserve <= 0 {
		reserve = DefaultMaxTokens
	}

	d := h.meter.Admit(ctx, caller, req.Model, promptTokens+reserve)
	span.SetAttributes(attribute.Bool("rate_limited", d.RateLimited))
	if d.RateLimited {
		span.End()
		writeRateLimited(w, d)
		return ctx, nil, false
	}

	return ctx, &prepared{
		caller:       caller,
		requestID:    requestID,
		req:          req,
		promptTokens: promptTokens,
		span:         span,
	}, true
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := h.prepare(w, r)
	if !ok {
		return
	}
	defer p.span.End()

	response, err := h.provider.Complete(ctx, p.req)
	if err != nil {
		p.span.RecordError(err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	in, out := response.InputTokens, response.OutputTokens
	if in == 0 && out == 0 {
		in = p.promptTokens
		out = h.meter.CountTokens(p.req.Model, response.Content)
	}
	model := response.Model
	if model == "" {
		model = p.req.Model
	}
	if err := h.meter.TrackUsage(ctx, p.caller, meter.Usage{InputTokens: in, OutputTokens: out, Model: model}); err != nil {
		h.logger.Warn("usage not tracked", "request_id", p.requestID, "user_id", p.caller.UserID, "error", err)
	}

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int64{
			"prompt_tokens":     in,
			"completion_tokens": out,
			"total_tokens":      in + out,
		},
	})
}

type streamDelta struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Index int `json:"index"`
}

func deltaEvent(content string) []byte {
	var d streamDelta
	d.Choices = make([]streamChoice, 1)
	d.Choices[0].Delta.Content = content
	b, _ := json.Marshal(d)
	return b
}

// HandleCompleteStream proxies a stream while the accountant commits usage
// as it goes. A client disconnect or upstream error aborts the accountant,
// which commits whatever was sent.
func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := h.prepare(w, r)
	if !ok {
		return
	}
	defer p.span.End()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	p.req.Stream = true
	ch, err := h.provider.CompleteStream(ctx, p.req)
	if err != nil {
		p.span.RecordError(err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	acc := h.meter.NewStream(p.caller, p.req.Model)
	_ = acc.Start(p.promptTokens)

	// The server's WriteTimeout is sized for plain responses; a stream
	// lasts as long as the upstream does.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var reported *provider.Usage
	for {
		select {
		case <-ctx.Done():
			h.abort(acc, p, ctx.Err())
			return
		case chunk, open := <-ch:
			if !open {
				h.finish(acc, p, reported)
				return
			}
			if chunk.Err != nil {
				msg, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", msg)
				flusher.Flush()
				h.abort(acc, p, chunk.Err)
				return
			}
			if chunk.Usage != nil {
				reported = chunk.Usage
			}
			if chunk.Done {
				fmt.Fprintf(w, "data: [DONE]\n\n")
				flusher.Flush()
				h.finish(acc, p, reported)
				return
			}
			if chunk.Delta == "" {
				continue
			}
			_ = acc.Write(chunk.Delta)
			fmt.Fprintf(w, "data: %s\n\n", deltaEvent(chunk.Delta))
			flusher.Flush()
		}
	}
}

func (h *Handler) finish(acc *stream.Accountant, p *prepared, reported *provider.Usage) {
	var out *int64
	if reported != nil {
		out = &reported.OutputTokens
		// Prompt tokens were committed from the estimate.
		acc.CorrectInput(reported.InputTokens)
	}
	s := acc.Finish(out)
	p.span.SetAttributes(attribute.Int64("output_tokens", s.OutputTokens))
}

func (h *Handler) abort(acc *stream.Accountant, p *prepared, cause error) {
	s := acc.Abort()
	p.span.SetAttributes(attribute.Int64("output_tokens", s.OutputTokens))
	h.logger.Info("stream aborted", "request_id", p.requestID, "user_id", p.caller.UserID,
		"output_tokens", s.OutputTokens, "cause", cause)
}

// HandleTrack ingests usage for work that is not proxied here, such as
// speech synthesis or blob writes.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var u meter.Usage
	if r.Body == nil || json.NewDecoder(r.Body).Decode(&u) != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		writeError(w, http.StatusBadRequest, "token counts must not be negative")
		return
	}
	if u.CostMeta != nil {
		switch u.CostMeta.Provider {
		case usage.ProviderOpenAI, usage.ProviderMinimax, usage.ProviderBlob:
		default:
			writeError(w, http.StatusBadRequest, "unknown cost provider")
			return
		}
		if u.CostMeta.Chars < 0 || u.CostMeta.Bytes < 0 {
			writeError(w, http.StatusBadRequest, "cost meta must not be negative")
			return
		}
	}

	if err := h.meter.TrackUsage(r.Context(), caller, u); err != nil {
		if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrPoolClosed) {
			writeError(w, http.StatusServiceUnavailable, "usage queue unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type admitRequest struct {
	Model  string `json:"model"`
	Amount int64  `json:"amount"`
}

// HandleAdmit runs a standalone admission check and consumes amount.
func (h *Handler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body admitRequest
	if r.Body == nil || json.NewDecoder(r.Body).Decode(&body) != nil || body.Amount < 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d := h.meter.Admit(r.Context(), caller, body.Model, body.Amount)
	if d.RateLimited {
		writeRateLimited(w, d)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleUsage reports the caller's current period: the durable aggregate
// and the live counters.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	model := r.URL.Query().Get("model")

	q, row, err := h.meter.Period(ctx, caller)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		row = &billing.Row{UserID: caller.UserID, ModelTokens: map[string]int64{}}
	case err != nil:
		h.logger.Error("usage lookup failed", "user_id", caller.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}

	status, err := h.meter.Status(ctx, caller, model)
	if err != nil {
		h.logger.Warn("live counters unavailable", "user_id", caller.UserID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      caller.UserID,
		"quota":        q,
		"usage":        row,
		"counters":     status.Values,
		"limits":       status.Limits,
		"rate_limited": status.RateLimited,
	})
}
