// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP and WebSocket endpoints.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter/datatypes"
	"github.com/AleutianAI/paperwriter/services/paperwriter/diagnostics"
	"github.com/AleutianAI/paperwriter/services/paperwriter/middleware"
	"github.com/AleutianAI/paperwriter/services/paperwriter/observability"
	"github.com/AleutianAI/paperwriter/services/paperwriter/prompts"
	"github.com/AleutianAI/paperwriter/services/paperwriter/streaming"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultKeepAliveInterval is how often an idle SSE stream gets a comment.
const DefaultKeepAliveInterval = 15 * time.Second

var tracer = otel.Tracer("paperwriter.handlers")

// Completer is the completion client as the handlers use it. *llm.Client
// implements it.
type Completer interface {
	Complete(ctx context.Context, turn llm.Turn) (string, error)
	CompleteStream(ctx context.Context, turn llm.Turn) (*llm.DeltaStream, error)
}

// FileReader reads project files for prompt context. *workspace.Files
// implements it.
type FileReader interface {
	Read(projectID, rel string) (string, error)
}

// AIOptions configures an AIHandler.
type AIOptions struct {
	// KeepAliveInterval between SSE comments. Default: 15s.
	KeepAliveInterval time.Duration

	// FallbackTextExtraction makes check-content scan prose replies for
	// "Line N: message" when the JSON block cannot be parsed.
	FallbackTextExtraction bool

	Logger *slog.Logger
}

// AIHandler serves the AI endpoints and runs the commands of WebSocket
// sessions.
//
// # Description
//
// Streaming endpoints open the upstream first. If that fails, the client
// gets a JSON error with a mapped status. Once the stream is open the
// response switches to SSE and any later failure is an in-band
// "[ERROR] message" event followed by [DONE].
//
// # Thread Safety
//
// Safe for concurrent use.
type AIHandler struct {
	client   Completer
	files    FileReader
	metrics  *observability.Metrics
	logger   *slog.Logger
	keep     time.Duration
	fallback bool
}

// NewAIHandler creates an AIHandler. client, files and metrics are
// required.
func NewAIHandler(client Completer, files FileReader, metrics *observability.Metrics, opts AIOptions) *AIHandler {
	if client == nil {
		panic("handlers.NewAIHandler: client must not be nil")
	}
	if files == nil {
		panic("handlers.NewAIHandler: files must not be nil")
	}
	if metrics == nil {
		panic("handlers.NewAIHandler: metrics must not be nil")
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AIHandler{
		client:   client,
		files:    files,
		metrics:  metrics,
		logger:   opts.Logger,
		keep:     opts.KeepAliveInterval,
		fallback: opts.FallbackTextExtraction,
	}
}

// =============================================================================
// Streaming endpoints
// =============================================================================

// AnalyzeIdea handles POST /api/v1/ai/analyze-idea.
func (h *AIHandler) AnalyzeIdea(c *gin.Context) {
	var req datatypes.AnalyzeIdeaRequest
	if !bindJSON(c, &req) {
		h.metrics.RecordError(observability.EndpointAnalyzeIdea, observability.ErrorCodeValidation)
		return
	}
	turn := prompts.Build(prompts.FeatureAnalyzeIdea, prompts.Payload{
		Idea:           req.IdeaContent,
		ProjectContext: req.ProjectContext,
	})
	h.streamSSE(c, observability.EndpointAnalyzeIdea, req.AIRequest, turn)
}

// ContinueWriting handles POST /api/v1/ai/continue-writing.
func (h *AIHandler) ContinueWriting(c *gin.Context) {
	var req datatypes.ContinueWritingRequest
	if !bindJSON(c, &req) {
		h.metrics.RecordError(observability.EndpointContinueWriting, observability.ErrorCodeValidation)
		return
	}
	turn := prompts.Build(prompts.FeatureContinueWriting, prompts.Payload{
		CurrentContent: req.CurrentContent,
		FileContext:    req.FileContext,
	})
	h.streamSSE(c, observability.EndpointContinueWriting, req.AIRequest, turn)
}

// streamSSE opens the upstream stream and forwards it as SSE.
func (h *AIHandler) streamSSE(c *gin.Context, ep observability.Endpoint, base datatypes.AIRequest, turn llm.Turn) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.stream_sse",
		trace.WithAttributes(attribute.String("endpoint", string(ep))))
	defer span.End()
	logger := middleware.Logger(c, h.logger).With("endpoint", string(ep))

	turn, err := h.withContextFiles(base, turn)
	if err != nil {
		ae := respondError(c, logger, err)
		h.metrics.RecordError(ep, ae.Code)
		h.metrics.RecordRequest(ep, false)
		return
	}

	start := time.Now()
	stream, err := h.client.CompleteStream(ctx, turn)
	if err != nil {
		ae := respondError(c, logger, err)
		h.metrics.RecordError(ep, ae.Code)
		h.metrics.RecordRequest(ep, false)
		return
	}
	defer stream.Close()

	h.metrics.StreamStarted(ep)
	defer h.metrics.StreamEnded(ep)

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		logger.Error("streaming not supported", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, datatypes.ErrorResponse{Detail: msgInternal})
		return
	}

	sink := &sseSink{
		writer:  writer,
		onFirst: func() { h.metrics.RecordTimeToFirstDelta(ep, time.Since(start)) },
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runKeepAlive(ctx, writer, ep, done)
	}()

	stats, err := streaming.Pump(ctx, stream, sink)
	close(done)
	wg.Wait()

	h.finishStream(logger, ep, start, stats, err)
}

// finishStream records the outcome of a pumped stream.
func (h *AIHandler) finishStream(logger *slog.Logger, ep observability.Endpoint, start time.Time, stats streaming.Stats, err error) {
	success := err == nil
	h.metrics.RecordStream(ep, time.Since(start), stats.Deltas, success)
	h.metrics.RecordRequest(ep, success)

	switch {
	case err == nil:
		logger.Info("stream completed", "deltas", stats.Deltas, "bytes", stats.Bytes,
			"duration_ms", time.Since(start).Milliseconds())
	case streaming.IsSinkError(err) || isCancellation(err):
		h.metrics.RecordClientDisconnect(ep)
		h.metrics.RecordError(ep, observability.ErrorCodeClientDisconnect)
		logger.Info("client went away during stream", "deltas", stats.Deltas, "error", err)
	default:
		h.metrics.RecordError(ep, classifyError(err).Code)
		logger.Warn("stream failed", "deltas", stats.Deltas, "error", err)
	}
}

// runKeepAlive sends a comment every interval until done or ctx ends.
func (h *AIHandler) runKeepAlive(ctx context.Context, writer SSEWriter, ep observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(h.keep)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("keepalive failed", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(ep)
		}
	}
}

// sseSink adapts SSEWriter to streaming.Sink.
type sseSink struct {
	writer  SSEWriter
	onFirst func()
	started bool
}

func (s *sseSink) Delta(text string) error {
	if !s.started {
		s.started = true
		if s.onFirst != nil {
			s.onFirst()
		}
	}
	return s.writer.WriteDelta(text)
}

func (s *sseSink) Done() error { return s.writer.WriteDone() }

func (s *sseSink) Fail(err error) error { return s.writer.WriteError(clientMessage(err)) }

// =============================================================================
// Sync endpoints
// =============================================================================

// TextToLatex handles POST /api/v1/ai/text-to-latex.
func (h *AIHandler) TextToLatex(c *gin.Context) {
	var req datatypes.TextToLatexRequest
	if !bindJSON(c, &req) {
		h.metrics.RecordError(observability.EndpointTextToLatex, observability.ErrorCodeValidation)
		return
	}
	turn := prompts.Build(prompts.FeatureTextToMarkup, prompts.Payload{Text: req.Text})
	h.completeJSON(c, observability.EndpointTextToLatex, req.AIRequest, turn)
}

// SearchPapers handles POST /api/v1/ai/search-papers.
func (h *AIHandler) SearchPapers(c *gin.Context) {
	var req datatypes.SearchPapersRequest
	if !bindJSON(c, &req) {
		h.metrics.RecordError(observability.EndpointSearchPapers, observability.ErrorCodeValidation)
		return
	}
	turn := prompts.Build(prompts.FeatureSearchPapers, prompts.Payload{Keywords: req.Keywords, Field: req.Field})
	h.completeJSON(c, observability.EndpointSearchPapers, req.AIRequest, turn)
}

// GenerateCode handles POST /api/v1/ai/generate-code.
func (h *AIHandler) GenerateCode(c *gin.Context) {
	var req datatypes.GenerateCodeRequest
	if !bindJSON(c, &req) {
		h.metrics.RecordError(observability.EndpointGenerateCode, observability.ErrorCodeValidation)
		return
	}
	turn := prompts.Build(prompts.FeatureGenerateCode, prompts.Payload{Description: req.Description, Language: req.Language})
	h.completeJSON(c, observability.EndpointGenerateCode, req.AIRequest, turn)
}

// completeJSON runs one sync completion and answers {"success":true,"result":...}.
func (h *AIHandler) completeJSON(c *gin.Context, ep observability.Endpoint, base datatypes.AIRequest, turn llm.Turn) {
	logger := middleware.Logger(c, h.logger).With("endpoint", string(ep))

	turn, err := h.withContextFiles(base, turn)
	if err == nil {
		var text string
		text, err = h.complete(c.Request.Context(), ep, turn)
		if err == nil {
			h.metrics.RecordRequest(ep, true)
			c.JSON(http.StatusOK, datatypes.ResultResponse{Success: true, Result: text})
			return
		}
	}
	ae := respondError(c, logger, err)
	h.metrics.RecordError(ep, ae.Code)
	h.metrics.RecordRequest(ep, false)
}

// CheckContent handles POST /api/v1/ai/check-content.
func (h *AIHandler) CheckContent(c *gin.Context) {
	const ep = observability.EndpointCheckContent
	var req datatypes.CheckContentRequest
	if !bindJSON(c, &req) {
		h.metrics.RecordError(ep, observability.ErrorCodeValidation)
		return
	}
	logger := middleware.Logger(c, h.logger).With("endpoint", string(ep))

	turn := prompts.Build(prompts.FeatureCheckContent, prompts.Payload{Content: req.Content, CheckType: req.CheckType})
	turn, err := h.withContextFiles(req.AIRequest, turn)
	if err == nil {
		var diags []diagnostics.Diagnostic
		diags, err = h.check(c.Request.Context(), ep, turn)
		if err == nil {
			h.metrics.RecordRequest(ep, true)
			c.JSON(http.StatusOK, datatypes.NewDiagnosticsResponse(diags))
			return
		}
	}
	ae := respondError(c, logger, err)
	h.metrics.RecordError(ep, ae.Code)
	h.metrics.RecordRequest(ep, false)
}

// complete runs a sync completion and records its duration.
func (h *AIHandler) complete(ctx context.Context, ep observability.Endpoint, turn llm.Turn) (string, error) {
	ctx, span := tracer.Start(ctx, "handlers.complete",
		trace.WithAttributes(attribute.String("endpoint", string(ep))))
	defer span.End()

	start := time.Now()
	text, err := h.client.Complete(ctx, turn)
	h.metrics.RecordCompletion(ep, time.Since(start), err == nil)
	return text, err
}

// check runs a content check and parses the reply into diagnostics.
//
// A reply that cannot be parsed yields no diagnostics, or the
// "Line N: message" fallback when it is enabled.
func (h *AIHandler) check(ctx context.Context, ep observability.Endpoint, turn llm.Turn) ([]diagnostics.Diagnostic, error) {
	raw, err := h.complete(ctx, ep, turn)
	if err != nil {
		return nil, err
	}
	res := diagnostics.ParseResult(raw)
	if res.OK {
		return res.Diagnostics, nil
	}
	h.logger.Debug("check reply had no usable issues block", "endpoint", string(ep), "error", res.Err)
	if h.fallback {
		return diagnostics.ExtractFromText(raw), nil
	}
	return res.Diagnostics, nil
}

// withContextFiles reads base.ContextFiles from the project and prepends
// them to the turn, keyed by path.
func (h *AIHandler) withContextFiles(base datatypes.AIRequest, turn llm.Turn) (llm.Turn, error) {
	if len(base.ContextFiles) == 0 {
		return turn, nil
	}
	files := make(map[string]string, len(base.ContextFiles))
	for _, rel := range base.ContextFiles {
		content, err := h.files.Read(base.ProjectID, rel)
		if err != nil {
			return turn, fmt.Errorf("context file: %w", err)
		}
		files[rel] = content
	}
	return prompts.WithContext(turn, files), nil
}

// bindJSON decodes and validates the body, answering 400 on failure.
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondInvalid(c, err)
		return false
	}
	if err := datatypes.Validate(req); err != nil {
		respondInvalid(c, err)
		return false
	}
	return true
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
