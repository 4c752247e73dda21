// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments are the OpenTelemetry instruments recorded by Client.
// They export through whatever MeterProvider telemetry.Init installed.
type instruments struct {
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
	streams  metric.Int64Counter
	deltas   metric.Int64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	inst := &instruments{}
	var err error

	inst.attempts, err = meter.Int64Counter(
		"paperwriter_llm_attempts_total",
		metric.WithDescription("Completion attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_attempts_total: %w", err)
	}

	inst.latency, err = meter.Float64Histogram(
		"paperwriter_llm_attempt_duration_seconds",
		metric.WithDescription("Duration of one completion attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_attempt_duration: %w", err)
	}

	inst.streams, err = meter.Int64Counter(
		"paperwriter_llm_streams_total",
		metric.WithDescription("Completion streams by terminal outcome"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_streams_total: %w", err)
	}

	inst.deltas, err = meter.Int64Histogram(
		"paperwriter_llm_stream_deltas",
		metric.WithDescription("Deltas delivered per completion stream"),
		metric.WithUnit("{delta}"),
		metric.WithExplicitBucketBoundaries(0, 1, 10, 50, 100, 250, 500, 1000, 2500),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_stream_deltas: %w", err)
	}

	return inst, nil
}

func (i *instruments) recordAttempt(ctx context.Context, attempt int, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcomeOf(err)),
		attribute.Bool("retry", attempt > 1),
	)
	i.attempts.Add(ctx, 1, attrs)
	i.latency.Record(ctx, elapsed.Seconds(), attrs)
}

func (i *instruments) recordStream(ctx context.Context, outcome string, yielded int) {
	i.streams.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	i.deltas.Record(ctx, int64(yielded))
}

// outcomeOf names the error kind for metric labels.
func outcomeOf(err error) string {
	var (
		transient *TransientError
		upstream  *UpstreamError
	)
	switch {
	case err == nil || errors.Is(err, io.EOF):
		return "ok"
	case IsUnconfigured(err):
		return "configuration"
	case errors.As(err, &upstream):
		return "upstream"
	case errors.As(err, &transient):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
