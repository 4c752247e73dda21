// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// sseLineBreak matches every line terminator the SSE format recognizes.
var sseLineBreak = regexp.MustCompile(`\r\n|\r|\n`)

// SSE event names and terminal markers.
const (
	sseEventDelta = "delta"
	sseEventError = "error"
	sseEventDone  = "done"

	sseDone        = "[DONE]"
	sseErrorPrefix = "[ERROR] "
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Every event is named. A delta is "event: delta" whose data is the delta
// text as a JSON string, so line breaks of any kind (including a bare
// "\r") survive and a delta can never read as a terminal marker. A
// successful stream ends with "event: done" / "data: [DONE]"; a failed one
// with "event: error" / "data: [ERROR] message" followed by the done event.
//
// Each event gets a UUID id line so clients can tell events apart.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The keepalive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteDelta sends one delta event.
	WriteDelta(text string) error

	// WriteDone sends the [DONE] terminal event.
	WriteDone() error

	// WriteError sends "[ERROR] message" followed by [DONE].
	//
	// message must already be sanitized for the client.
	WriteError(message string) error

	// WriteKeepAlive sends an SSE comment (": ping") that clients ignore but
	// that keeps proxies from closing an idle connection.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w, which must implement http.Flusher.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteDelta("Hello")
//	writer.WriteDone()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteDelta(text string) error {
	data, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	return w.writeEvent(sseEventDelta, string(data))
}

func (w *sseWriter) WriteDone() error {
	return w.writeEvent(sseEventDone, sseDone)
}

func (w *sseWriter) WriteError(message string) error {
	if err := w.writeEvent(sseEventError, sseErrorPrefix+message); err != nil {
		return err
	}
	return w.writeEvent(sseEventDone, sseDone)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// writeEvent writes "id: ...\nevent: name\ndata: ...\n\n" and flushes.
// Line breaks in data are split into data lines; callers pass text that
// is already free of them, except for sanitized error messages.
func (w *sseWriter) writeEvent(event, data string) error {
	var b strings.Builder
	b.WriteString("id: ")
	b.WriteString(uuid.NewString())
	b.WriteString("\nevent: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range sseLineBreak.Split(data, -1) {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, b.String()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers every SSE response needs. Call it before
// the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
