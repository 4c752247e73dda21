// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the completion client for the chat-completion backend.
//
// It exposes two operations over a two-message Turn: Complete, which
// returns the full reply and retries transient faults, and CompleteStream,
// which opens the backend once and yields deltas through a DeltaStream.
//
// Every failure is one of the typed kinds in errors.go so callers and the
// retry driver can match with errors.As instead of inspecting messages.
package llm

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// =============================================================================
// Messages
// =============================================================================

// Role is the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message sent to the backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turn is the system instruction and user payload of one request.
// No earlier turns are ever sent.
type Turn struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// Messages returns the turn as [system, user].
func (t Turn) Messages() []Message {
	return []Message{
		{Role: RoleSystem, Content: t.System},
		{Role: RoleUser, Content: t.User},
	}
}

// =============================================================================
// Backend Interface
// =============================================================================

// Backend is the raw chat-completion transport.
//
// Implementations return raw errors; Client classifies them.
type Backend interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
	Stream(ctx context.Context, model string, messages []Message) (DeltaSource, error)
}

// DeltaSource yields raw deltas. Recv returns io.EOF after the last one.
type DeltaSource interface {
	Recv() (string, error)
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

var validate = validator.New()

// Config holds the completion client settings. The API key is not part of
// it; bind it with WithCredential.
type Config struct {
	// BaseURL of the OpenAI-compatible endpoint.
	// Default: DashScopeCompatibleBaseURL
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Model name sent with every request.
	// Default: qwen-turbo
	Model string `yaml:"model" validate:"required"`

	// Timeout bounds one non-streaming attempt, or the opening of a stream.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// Retry applies to Complete only.
	Retry RetryPolicy `yaml:"retry"`

	// RequestsPerSecond paces all backend calls of this process.
	// Zero means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Burst for RequestsPerSecond. Default: 1
	Burst int `yaml:"burst" validate:"gte=0"`
}

// DefaultConfig returns the DashScope qwen-turbo defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: DashScopeCompatibleBaseURL,
		Model:   "qwen-turbo",
		Timeout: 30 * time.Second,
		Retry:   DefaultRetryPolicy(),
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Retry.Validate()
}

func applyConfigDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = defaults.Retry
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return cfg
}

// =============================================================================
// Options
// =============================================================================

// Option customizes a Client.
type Option func(*Client)

// WithCredential binds the backend API key.
func WithCredential(cred *Credential) Option {
	return func(c *Client) { c.cred = cred }
}

// WithBackend replaces the OpenAI-compatible backend. A client with an
// explicit backend counts as configured.
func WithBackend(b Backend) Option {
	return func(c *Client) { c.backend = b }
}

// WithHTTPClient sets the HTTP client used by the default backend.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache enables the completion cache for Complete.
func WithCache(cache *ResponseCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetryNotify registers a callback run before every retry wait.
func WithRetryNotify(fn RetryNotifyFunc) Option {
	return func(c *Client) { c.notify = fn }
}

// WithMeter sets the OpenTelemetry meter. Default: otel.Meter("paperwriter.llm").
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) { c.meter = meter }
}

// =============================================================================
// Client
// =============================================================================

// Client is the completion client.
//
// # Description
//
// Complete sends one Turn and returns the reply, retrying TransientError
// per Config.Retry and converting an exhausted budget into UpstreamError.
// CompleteStream opens the backend once and never retries.
//
// # Thread Safety
//
// Safe for concurrent use. The only state is the bound credential, the
// model name, and the optional cache and limiter.
type Client struct {
	cfg        Config
	cred       *Credential
	backend    Backend
	httpClient *http.Client
	cache      *ResponseCache
	limiter    *rate.Limiter
	logger     *slog.Logger
	notify     RetryNotifyFunc
	meter      metric.Meter
	tracer     trace.Tracer
	inst       *instruments
}

// NewClient creates a completion client.
//
// # Inputs
//
//   - cfg: Client settings. Zero fields take DefaultConfig values.
//   - opts: Options. Without WithCredential or WithBackend the client is
//     unconfigured and every call fails with a ConfigurationError.
//
// # Outputs
//
//   - *Client: Ready client.
//   - error: Non-nil if cfg is invalid or instruments cannot be created.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: "invalid completion config", Err: err}
	}

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.meter == nil {
		c.meter = otel.Meter("paperwriter.llm")
	}
	c.tracer = otel.Tracer("paperwriter.llm")

	inst, err := newInstruments(c.meter)
	if err != nil {
		return nil, err
	}
	c.inst = inst

	if c.backend == nil {
		c.backend = NewOpenAIBackend(c.cred, cfg.BaseURL, c.httpClient)
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	c.logger.Info("Completion client ready",
		"model", cfg.Model,
		"base_url", cfg.BaseURL,
		"api_key_present", c.Configured(),
		"cache", c.cache != nil,
	)
	return c, nil
}

// Configured reports whether calls can reach a backend.
func (c *Client) Configured() bool {
	if _, ok := c.backend.(*OpenAIBackend); ok {
		return c.cred.Present()
	}
	return c.backend != nil
}

// Model returns the bound model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Complete sends turn and returns the full reply.
//
// # Outputs
//
//   - string: The reply text.
//   - error: *ConfigurationError, *UpstreamError (including exhausted
//     retries), or the caller's context error.
func (c *Client) Complete(ctx context.Context, turn Turn) (string, error) {
	ctx, span := c.tracer.Start(ctx, "llm.Complete",
		trace.WithAttributes(attribute.String("llm.model", c.cfg.Model)))
	defer span.End()

	text, err := c.complete(ctx, turn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("llm.reply_chars", len(text)))
	return text, nil
}

func (c *Client) complete(ctx context.Context, turn Turn) (string, error) {
	if !c.Configured() {
		return "", &ConfigurationError{Reason: "api key not set", Err: ErrUnconfigured}
	}
	if c.cache == nil {
		return c.completeWithRetry(ctx, turn)
	}

	key := c.cache.Key(c.cfg.Model, turn)
	text, hit, err := c.cache.Do(ctx, key, func(ctx context.Context) (string, error) {
		return c.completeWithRetry(ctx, turn)
	})
	if hit {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("llm.cache_hit", true))
	}
	return text, err
}

func (c *Client) completeWithRetry(ctx context.Context, turn Turn) (string, error) {
	messages := turn.Messages()
	var text string

	result, err := RetryNotify(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		start := time.Now()
		out, err := c.backend.Complete(attemptCtx, c.cfg.Model, messages)
		err = classify(ctx, "complete", err)
		c.inst.recordAttempt(ctx, attempt, time.Since(start), err)
		if err != nil {
			c.logger.Warn("Completion attempt failed",
				"attempt", attempt,
				"max_attempts", c.cfg.Retry.MaxAttempts,
				"retryable", IsRetryable(err),
				"error", err,
			)
			return err
		}
		text = out
		return nil
	}, c.notify)

	if err != nil {
		if result.Exhausted(c.cfg.Retry) {
			return "", &UpstreamError{Attempts: result.Attempts, Err: err}
		}
		return "", err
	}
	if result.Attempts > 1 {
		c.logger.Info("Completion succeeded after retry", "attempts", result.Attempts, "waited", result.Delays)
	}
	return text, nil
}

// CompleteStream opens a delta stream for turn.
//
// # Description
//
// The backend is called exactly once. Opening is bounded by Config.Timeout;
// a timeout or connection fault while opening is a *TransientError, which
// is returned and not retried. After a successful open every failure
// surfaces from DeltaStream.Next, and each Next is bounded by the same
// timeout. The stream ends when ctx is done or when
// the caller invokes Close, which it must always do.
//
// # Outputs
//
//   - *DeltaStream: Open stream.
//   - error: *ConfigurationError, *TransientError, *UpstreamError, or the
//     caller's context error.
func (c *Client) CompleteStream(ctx context.Context, turn Turn) (*DeltaStream, error) {
	spanCtx, span := c.tracer.Start(ctx, "llm.CompleteStream",
		trace.WithAttributes(attribute.String("llm.model", c.cfg.Model)))

	fail := func(err error) (*DeltaStream, error) {
		c.inst.recordStream(spanCtx, outcomeOf(err), 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	if !c.Configured() {
		return fail(&ConfigurationError{Reason: "api key not set", Err: ErrUnconfigured})
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	streamCtx, cancel := context.WithCancel(spanCtx)
	var openTimedOut atomic.Bool
	openTimer := time.AfterFunc(c.cfg.Timeout, func() {
		openTimedOut.Store(true)
		cancel()
	})

	src, err := c.backend.Stream(streamCtx, c.cfg.Model, turn.Messages())
	openTimer.Stop()

	if openTimedOut.Load() {
		if src != nil {
			_ = src.Close()
		}
		cancel()
		return fail(&TransientError{Op: "stream open", Err: context.DeadlineExceeded})
	}
	if err != nil {
		cancel()
		return fail(classify(ctx, "stream open", err))
	}

	return newDeltaStream(ctx, streamCtx, c.cfg.Timeout, src, cancel, span, c.inst), nil
}
