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
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeltaStream is a pull-based sequence of text deltas.
//
// # Description
//
// Next returns deltas in the order the backend produced them, then io.EOF.
// A failure after the stream opened is returned from Next as a typed
// error (see classify) and is terminal: every later Next returns the same
// error. The stream lives no longer than the context passed to
// CompleteStream; Close releases it earlier. Each Next waits at most the
// idle timeout (Config.Timeout) for the backend; a stalled upstream ends
// the stream with a *TransientError.
//
// # Thread Safety
//
// Next is meant for a single consumer. Close may be called from any
// goroutine and more than once.
type DeltaStream struct {
	caller context.Context
	ctx    context.Context
	idle   time.Duration
	src    DeltaSource
	cancel context.CancelFunc
	span   trace.Span
	inst   *instruments

	terminal error
	yielded  int

	closeOnce sync.Once
}

func newDeltaStream(caller, ctx context.Context, idle time.Duration, src DeltaSource, cancel context.CancelFunc, span trace.Span, inst *instruments) *DeltaStream {
	return &DeltaStream{caller: caller, ctx: ctx, idle: idle, src: src, cancel: cancel, span: span, inst: inst}
}

// Next pulls the next delta.
func (s *DeltaStream) Next() (string, error) {
	if s.terminal != nil {
		return "", s.terminal
	}
	if err := s.ctx.Err(); err != nil {
		s.terminal = err
		return "", err
	}

	var stalled atomic.Bool
	var timer *time.Timer
	if s.idle > 0 {
		timer = time.AfterFunc(s.idle, func() {
			stalled.Store(true)
			s.cancel()
		})
	}
	delta, err := s.src.Recv()
	if timer != nil {
		timer.Stop()
	}

	if stalled.Load() && s.caller.Err() == nil {
		// The stream context is gone, so even a delta that raced the
		// timer cannot be followed by another.
		s.terminal = &TransientError{Op: "stream", Err: context.DeadlineExceeded}
		return "", s.terminal
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.terminal = io.EOF
		} else {
			s.terminal = classify(s.caller, "stream", err)
		}
		return "", s.terminal
	}
	s.yielded++
	return delta, nil
}

// Yielded returns how many deltas Next has returned so far.
func (s *DeltaStream) Yielded() int {
	return s.yielded
}

// Close releases the upstream connection.
func (s *DeltaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.src.Close()
		s.cancel()

		outcome := outcomeOf(s.terminal)
		if s.terminal == nil {
			outcome = "abandoned"
		}
		s.inst.recordStream(context.WithoutCancel(s.ctx), outcome, s.yielded)

		s.span.SetAttributes(attribute.Int("llm.deltas", s.yielded))
		if s.terminal != nil && !errors.Is(s.terminal, io.EOF) {
			s.span.RecordError(s.terminal)
			s.span.SetStatus(codes.Error, s.terminal.Error())
		}
		s.span.End()
	})
	return err
}
