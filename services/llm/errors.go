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
	"net"

	"github.com/sashabaranov/go-openai"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrUnconfigured is returned (wrapped in a ConfigurationError) when the
// client has no credential bound.
var ErrUnconfigured = errors.New("completion backend is not configured")

// ConfigurationError reports a missing or invalid client configuration.
//
// It is never retried and is surfaced to the caller immediately.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientError reports a connection fault or an attempt timeout.
//
// It is the only error kind the retry driver will retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// UpstreamError reports a non-success answer from the completion backend,
// or a transient fault that outlived the retry budget.
type UpstreamError struct {
	// StatusCode is the backend HTTP status, 0 when none was received.
	StatusCode int

	// Message is the backend's own error message when it sent one.
	Message string

	// Attempts is set when the error is the result of exhausted retries.
	Attempts int

	Err error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Attempts > 0:
		return fmt.Sprintf("completion backend unavailable after %d attempts: %v", e.Attempts, e.Err)
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("completion backend returned status %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("completion backend returned status %d", e.StatusCode)
	case e.Message != "":
		return "completion backend error: " + e.Message
	default:
		return fmt.Sprintf("completion backend error: %v", e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a TransientError.
//
// An UpstreamError is never retryable, even when it wraps the transient
// fault that exhausted the retry budget.
func IsRetryable(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return false
	}
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsUnconfigured reports whether err stems from a missing credential.
func IsUnconfigured(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr) || errors.Is(err, ErrUnconfigured)
}

// =============================================================================
// Classification
// =============================================================================

// classify maps a raw backend error to one of the error kinds.
//
// # Description
//
// parent is the caller's context. When the caller itself cancelled or
// timed out, its error is returned unchanged so the retry driver stops.
// A deadline that belongs only to the attempt is a TransientError.
//
// # Inputs
//
//   - parent: The caller's context, used to tell attempt timeouts from
//     caller cancellation.
//   - op: Operation name for the error message.
//   - err: The raw error. Nil yields nil.
//
// # Outputs
//
//   - error: A *TransientError, *UpstreamError, or the parent context error.
func classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}

	var (
		transient *TransientError
		upstream  *UpstreamError
		cfgErr    *ConfigurationError
	)
	if errors.As(err, &transient) || errors.As(err, &upstream) || errors.As(err, &cfgErr) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TransientError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Op: op, Err: err}
	}

	return &UpstreamError{Err: err}
}
