// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the AI endpoints.
//
// # Description
//
// Covers SSE and WebSocket streaming (requests, first-delta latency,
// duration, active streams, keepalives, disconnects), sync AI calls,
// session registry size and completion retries.
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "paperwriter"

const (
	streamingSubsystem = "streaming"
	aiSubsystem        = "ai"
	sessionSubsystem   = "session"
)

// Endpoint labels an AI entry point.
type Endpoint string

const (
	EndpointAnalyzeIdea     Endpoint = "analyze_idea"
	EndpointContinueWriting Endpoint = "continue_writing"
	EndpointCheckContent    Endpoint = "check_content"
	EndpointSearchPapers    Endpoint = "search_papers"
	EndpointGenerateCode    Endpoint = "generate_code"
	EndpointTextToLatex     Endpoint = "text_to_latex"
	EndpointSessionAnalyze  Endpoint = "session_analyze"
	EndpointSessionContinue Endpoint = "session_continue"
	EndpointSessionCheck    Endpoint = "session_check"
	EndpointSession         Endpoint = "session"
)

// ErrorCode is a categorized failure for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeUnconfigured     ErrorCode = "unconfigured"
	ErrorCodeUpstream         ErrorCode = "upstream"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeProtocol         ErrorCode = "protocol"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Metrics holds every collector. Build it once per process with NewMetrics.
type Metrics struct {
	// RequestsTotal counts AI requests. Labels: endpoint, status.
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts failures. Labels: endpoint, error_code.
	ErrorsTotal *prometheus.CounterVec

	// TimeToFirstDeltaSeconds measures request start to first delta.
	TimeToFirstDeltaSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures whole streams. Labels: endpoint, status.
	StreamDurationSeconds *prometheus.HistogramVec

	// StreamDeltasTotal counts forwarded deltas. Labels: endpoint.
	StreamDeltasTotal *prometheus.CounterVec

	ActiveStreams          *prometheus.GaugeVec
	KeepAlivesTotal        *prometheus.CounterVec
	ClientDisconnectsTotal *prometheus.CounterVec

	// CompletionDurationSeconds measures sync completions. Labels: endpoint, status.
	CompletionDurationSeconds *prometheus.HistogramVec

	// RetriesTotal counts completion retries scheduled after a transient fault.
	RetriesTotal prometheus.Counter

	ActiveSessions   prometheus.Gauge
	SessionsReplaced *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
}

// NewMetrics registers every collector on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler;
// tests pass a fresh prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: aiSubsystem,
				Name:      "requests_total",
				Help:      "Total AI requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: aiSubsystem,
				Name:      "errors_total",
				Help:      "Total AI errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
		TimeToFirstDeltaSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from request to first streamed delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),
		StreamDeltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "deltas_total",
				Help:      "Total deltas forwarded to clients",
			},
			[]string{"endpoint"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently being forwarded",
			},
			[]string{"endpoint"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total SSE keepalive comments sent",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
		CompletionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: aiSubsystem,
				Name:      "completion_duration_seconds",
				Help:      "Sync completion duration including retries, in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"endpoint", "status"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: aiSubsystem,
				Name:      "retries_total",
				Help:      "Completion retries scheduled after a transient failure",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "active",
				Help:      "Number of registered WebSocket sessions",
			},
		),
		SessionsReplaced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "replaced_total",
				Help:      "Sessions displaced by a newer connection for the same project",
			},
			[]string{"policy"},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "commands_total",
				Help:      "Session commands received by type",
			},
			[]string{"type"},
		),
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a finished AI request.
func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a failure.
func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

func (m *Metrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstDelta observes the latency of the first delta.
func (m *Metrics) RecordTimeToFirstDelta(endpoint Endpoint, d time.Duration) {
	m.TimeToFirstDeltaSeconds.WithLabelValues(string(endpoint)).Observe(d.Seconds())
}

// RecordStream observes a finished stream and its delta count.
func (m *Metrics) RecordStream(endpoint Endpoint, d time.Duration, deltas int, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(d.Seconds())
	m.StreamDeltasTotal.WithLabelValues(string(endpoint)).Add(float64(deltas))
}

// RecordCompletion observes a sync completion.
func (m *Metrics) RecordCompletion(endpoint Endpoint, d time.Duration, success bool) {
	m.CompletionDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(d.Seconds())
}

func (m *Metrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordRetry counts one scheduled retry. Its signature matches
// llm.RetryNotifyFunc so it can be passed to llm.WithRetryNotify.
func (m *Metrics) RecordRetry(_ int, _ error, _ time.Duration) {
	m.RetriesTotal.Inc()
}

// RecordCommand counts one inbound session command.
func (m *Metrics) RecordCommand(commandType string) {
	m.CommandsTotal.WithLabelValues(commandType).Inc()
}

// SessionsActive implements sessions.Observer.
func (m *Metrics) SessionsActive(n int) {
	m.ActiveSessions.Set(float64(n))
}

// SessionReplaced implements sessions.Observer.
func (m *Metrics) SessionReplaced(policy string) {
	m.SessionsReplaced.WithLabelValues(policy).Inc()
}
