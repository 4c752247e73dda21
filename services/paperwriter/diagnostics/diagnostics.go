// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics extracts editor diagnostics from a model reply.
//
// The content-check prompt asks the model for a fenced JSON block of the
// form {"issues": [{type, severity, line, message, suggestion}]}. Models
// wrap it in prose often enough that the parser looks for the fence first
// and falls back to the whole reply.
//
// Each diagnostic covers exactly one line: from {line, 0} to {line+1, 0}.
// No attempt is made at column-accurate spans.
package diagnostics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Severity of a Diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity maps a model-supplied severity; anything unknown is info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityError, SeverityWarning, SeverityInfo:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

// Position is a zero-column editor position. Col is serialized as "ch",
// the editor's cursor field name.
type Position struct {
	Line int `json:"line"`
	Col  int `json:"ch"`
}

// Diagnostic is one issue found in reviewed content.
type Diagnostic struct {
	From     Position `json:"from"`
	To       Position `json:"to"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the outcome of ParseResult.
//
// OK is false when the reply could not be understood, which Parse reports
// the same way as "no issues".
type Result struct {
	Diagnostics []Diagnostic
	OK          bool
	Err         error
}

var (
	// ErrNoIssuesKey means the JSON decoded but had no "issues" array.
	ErrNoIssuesKey = errors.New(`reply has no "issues" array`)

	jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	lineNote  = regexp.MustCompile(`Line (\d+):\s*(.+?)(?:\n|$)`)
)

type issue struct {
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	Line       lineNumber `json:"line"`
	Message    string     `json:"message"`
	Suggestion string     `json:"suggestion"`
}

type issuesEnvelope struct {
	Issues *[]issue `json:"issues"`
}

// lineNumber accepts 3, 3.0 and "3". Anything else fails the decode, as
// does a value whose end line (line+1) would not fit in an int32.
type lineNumber int

const (
	minLine = math.MinInt32
	maxLine = math.MaxInt32 - 1
)

func (n *lineNumber) set(v float64) error {
	if v < minLine || v > maxLine {
		return fmt.Errorf("line %v out of range", v)
	}
	*n = lineNumber(v)
	return nil
}

func (n *lineNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("line %q is not a number", s)
		}
		return n.set(float64(v))
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("line %v is not an integer", f)
	}
	return n.set(f)
}

// Parse returns the diagnostics in raw. It never fails: a reply that cannot
// be understood yields an empty, non-nil slice.
func Parse(raw string) []Diagnostic {
	return ParseResult(raw).Diagnostics
}

// ParseResult is Parse with the failure kept apart from "zero issues".
func ParseResult(raw string) Result {
	payload := raw
	if m := jsonFence.FindStringSubmatch(raw); m != nil {
		payload = m[1]
	}

	var env issuesEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Result{Diagnostics: []Diagnostic{}, Err: fmt.Errorf("decode issues: %w", err)}
	}
	if env.Issues == nil {
		return Result{Diagnostics: []Diagnostic{}, Err: ErrNoIssuesKey}
	}

	out := make([]Diagnostic, 0, len(*env.Issues))
	for _, is := range *env.Issues {
		line := int(is.Line)
		out = append(out, Diagnostic{
			From:     Position{Line: line, Col: 0},
			To:       Position{Line: line + 1, Col: 0},
			Severity: ParseSeverity(is.Severity),
			Message:  is.Message,
		})
	}
	return Result{Diagnostics: out, OK: true}
}

// ExtractFromText scans prose for "Line N: message" notes.
//
// Used as a fallback when a reply carries no parsable JSON. N is taken as
// 1-based, so the span is [N-1, N). A message mentioning "error" is an
// error, everything else a warning.
func ExtractFromText(text string) []Diagnostic {
	matches := lineNote.FindAllStringSubmatch(text, -1)
	out := make([]Diagnostic, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		msg := strings.TrimSpace(m[2])
		severity := SeverityWarning
		if strings.Contains(strings.ToLower(msg), "error") {
			severity = SeverityError
		}
		out = append(out, Diagnostic{
			From:     Position{Line: n - 1, Col: 0},
			To:       Position{Line: n, Col: 0},
			Severity: severity,
			Message:  msg,
		})
	}
	return out
}

// ParseWithFallback parses raw and, only when that fails, scans it with
// ExtractFromText.
func ParseWithFallback(raw string) []Diagnostic {
	if res := ParseResult(raw); res.OK {
		return res.Diagnostics
	}
	return ExtractFromText(raw)
}
