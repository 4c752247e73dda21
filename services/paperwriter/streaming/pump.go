// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streaming forwards a delta sequence to an outward transport.
//
// The SSE handler and the WebSocket session both drain an llm.DeltaStream
// the same way; they differ only in how a delta, a normal end and a failure
// are framed. Pump owns the draining, Sink owns the framing.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DeltaSource yields deltas in order, then io.EOF. *llm.DeltaStream
// satisfies it.
type DeltaSource interface {
	Next() (string, error)
}

// Sink frames stream events for one transport.
//
// Pump calls Delta zero or more times, then at most one of Done or Fail.
// A non-nil return from any method means the transport is gone.
type Sink interface {
	Delta(text string) error
	Done() error
	Fail(err error) error
}

// SinkError reports that the transport rejected a write. Nothing more can
// be delivered on it.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("stream sink: %v", e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsSinkError reports whether err came from the transport side of Pump.
func IsSinkError(err error) bool {
	var se *SinkError
	return errors.As(err, &se)
}

// Stats describes one Pump run.
type Stats struct {
	Deltas int
	Bytes  int
}

// Pump drains src into sink.
//
// # Description
//
// Each delta is handed to sink.Delta in the order src produced it, with no
// buffering. When src ends, Pump calls sink.Done. When src fails, Pump
// calls sink.Fail once with the error and pulls nothing further, so the
// stream always ends with an explicit terminal event.
//
// Pump stops pulling as soon as ctx is done. A cancelled ctx means the
// consumer has gone away, so no terminal event is attempted.
//
// # Outputs
//
//   - nil after a successful Done.
//   - The source error after it was delivered through Fail.
//   - *SinkError when the transport rejected a write.
//   - ctx.Err() when ctx ended first.
//
// # Assumptions
//
//   - The caller owns src and closes it.
func Pump(ctx context.Context, src DeltaSource, sink Sink) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		delta, err := src.Next()
		if errors.Is(err, io.EOF) {
			if werr := sink.Done(); werr != nil {
				return stats, &SinkError{Err: werr}
			}
			return stats, nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return stats, cerr
			}
			if werr := sink.Fail(err); werr != nil {
				return stats, &SinkError{Err: werr}
			}
			return stats, err
		}

		if werr := sink.Delta(delta); werr != nil {
			return stats, &SinkError{Err: werr}
		}
		stats.Deltas++
		stats.Bytes += len(delta)
	}
}
