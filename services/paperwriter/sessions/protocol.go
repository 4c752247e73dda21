// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"github.com/AleutianAI/paperwriter/services/paperwriter/diagnostics"
)

// Inbound command types.
const (
	CommandCheckContent = "check_content"
	CommandAnalyze      = "analyze"
	CommandContinue     = "continue"
)

// Outbound event types.
const (
	EventDiagnostics = "diagnostics"
	EventStream      = "stream"
	EventComplete    = "complete"
	EventError       = "error"
	EventTreeChanged = "tree_changed"
)

// Command is one inbound session message. Which fields are read depends
// on Type.
type Command struct {
	Type string `json:"type"`

	// check_content
	Content   string `json:"content,omitempty"`
	CheckType string `json:"check_type,omitempty"`

	// analyze
	Idea    string `json:"idea,omitempty"`
	Context string `json:"context,omitempty"`

	// continue
	CurrentContent string `json:"current_content,omitempty"`
	FileContext    string `json:"file_context,omitempty"`
}

// ProtocolError is an unrecognized command. It is reported in-band and
// the session stays open.
type ProtocolError struct {
	Type string
}

func (e *ProtocolError) Error() string {
	return "Unknown message type: " + e.Type
}

// DiagnosticsEvent carries the result of a check_content command.
type DiagnosticsEvent struct {
	Type string                   `json:"type"`
	Data []diagnostics.Diagnostic `json:"data"`
}

// StreamEvent carries one delta.
type StreamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ErrorEvent reports a failed command.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SignalEvent is an event with no payload: complete and tree_changed.
type SignalEvent struct {
	Type string `json:"type"`
}

func NewDiagnosticsEvent(d []diagnostics.Diagnostic) DiagnosticsEvent {
	if d == nil {
		d = []diagnostics.Diagnostic{}
	}
	return DiagnosticsEvent{Type: EventDiagnostics, Data: d}
}

func NewStreamEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventStream, Content: delta}
}

func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

func CompleteEvent() SignalEvent {
	return SignalEvent{Type: EventComplete}
}

func TreeChangedEvent() SignalEvent {
	return SignalEvent{Type: EventTreeChanged}
}
