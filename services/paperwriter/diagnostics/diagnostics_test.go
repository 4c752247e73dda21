// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FencedBlock(t *testing.T) {
	t.Parallel()

	raw := "```json\n{\"issues\":[{\"severity\":\"warning\",\"line\":3,\"message\":\"dangling reference\"}]}\n```"
	got := Parse(raw)

	require.Len(t, got, 1)
	assert.Equal(t, Diagnostic{
		From:     Position{Line: 3, Col: 0},
		To:       Position{Line: 4, Col: 0},
		Severity: SeverityWarning,
		Message:  "dangling reference",
	}, got[0])
}

func TestParse_FenceInsideProse(t *testing.T) {
	t.Parallel()

	raw := "Here is what I found:\n\n```json\n{\"issues\": [\n" +
		"  {\"type\":\"语法错误\",\"severity\":\"error\",\"line\":1,\"message\":\"missing verb\",\"suggestion\":\"add one\"},\n" +
		"  {\"severity\":\"info\",\"line\":7,\"message\":\"consider a citation\"}\n" +
		"]}\n```\n\nHope that helps."
	got := Parse(raw)

	require.Len(t, got, 2)
	assert.Equal(t, SeverityError, got[0].Severity)
	assert.Equal(t, 1, got[0].From.Line)
	assert.Equal(t, SeverityInfo, got[1].Severity)
	assert.Equal(t, 8, got[1].To.Line)
}

func TestParse_BareJSON(t *testing.T) {
	t.Parallel()

	got := Parse(`{"issues":[{"severity":"error","line":0,"message":"empty title"}]}`)

	require.Len(t, got, 1)
	assert.Equal(t, Position{Line: 0}, got[0].From)
	assert.Equal(t, Position{Line: 1}, got[0].To)
}

func TestParse_Defaults(t *testing.T) {
	t.Parallel()

	got := Parse(`{"issues":[{"severity":"critical"},{}]}`)

	require.Len(t, got, 2)
	for _, d := range got {
		assert.Equal(t, SeverityInfo, d.Severity)
		assert.Equal(t, "", d.Message)
		assert.Equal(t, 0, d.From.Line)
		assert.Equal(t, 1, d.To.Line)
	}
}

func TestParse_LenientLineNumbers(t *testing.T) {
	t.Parallel()

	got := Parse(`{"issues":[{"line":"5"},{"line":6.0},{"line":null}]}`)

	require.Len(t, got, 3)
	assert.Equal(t, 5, got[0].From.Line)
	assert.Equal(t, 6, got[1].From.Line)
	assert.Equal(t, 0, got[2].From.Line)
}

func TestParse_LineRangeEdges(t *testing.T) {
	t.Parallel()

	got := Parse(`{"issues":[{"line":2147483646},{"line":-2147483648}]}`)

	require.Len(t, got, 2)
	assert.Equal(t, math.MaxInt32-1, got[0].From.Line)
	assert.Equal(t, math.MaxInt32, got[0].To.Line)
	assert.Equal(t, math.MinInt32, got[1].From.Line)
}

func TestParse_UnusableRepliesAreEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "prose", raw: "The text reads well overall."},
		{name: "malformed fence", raw: "```json\n{\"issues\": [\n```"},
		{name: "no issues key", raw: `{"problems":[]}`},
		{name: "issues not a list", raw: `{"issues":"none"}`},
		{name: "fractional line", raw: `{"issues":[{"line":2.5}]}`},
		{name: "huge line", raw: `{"issues":[{"line":1e30}]}`},
		{name: "line past int32", raw: `{"issues":[{"line":2147483648}]}`},
		{name: "end line past int32", raw: `{"issues":[{"line":2147483647}]}`},
		{name: "quoted line past int32", raw: `{"issues":[{"line":"99999999999"}]}`},
		{name: "line below int32", raw: `{"issues":[{"line":-2147483649}]}`},
		{name: "json array", raw: `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw)
			assert.NotNil(t, got)
			assert.Empty(t, got)

			res := ParseResult(tt.raw)
			assert.False(t, res.OK)
			assert.Error(t, res.Err)
		})
	}
}

func TestParseResult_ZeroIssuesIsSuccess(t *testing.T) {
	t.Parallel()

	res := ParseResult("```json\n{\"issues\": []}\n```")

	assert.True(t, res.OK)
	assert.NoError(t, res.Err)
	assert.NotNil(t, res.Diagnostics)
	assert.Empty(t, res.Diagnostics)

	missing := ParseResult(`{"other":1}`)
	assert.ErrorIs(t, missing.Err, ErrNoIssuesKey)
}

// TestParse_SpanInvariant checks every parsed diagnostic covers exactly one
// line starting at column zero.
func TestParse_SpanInvariant(t *testing.T) {
	t.Parallel()

	for line := 0; line < 50; line++ {
		raw, err := json.Marshal(map[string]any{
			"issues": []map[string]any{{"line": line, "severity": "warning", "message": "m"}},
		})
		require.NoError(t, err)

		got := Parse(string(raw))
		require.Len(t, got, 1)
		assert.Equal(t, got[0].From.Line+1, got[0].To.Line)
		assert.Zero(t, got[0].From.Col)
		assert.Zero(t, got[0].To.Col)
	}
}

func TestDiagnostic_WireShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Diagnostic{
		From:     Position{Line: 3},
		To:       Position{Line: 4},
		Severity: SeverityWarning,
		Message:  "dangling reference",
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"from":{"line":3,"ch":0},"to":{"line":4,"ch":0},"severity":"warning","message":"dangling reference"}`,
		string(b))
}

func TestExtractFromText(t *testing.T) {
	t.Parallel()

	text := "Review notes\nLine 2: Syntax error near brace\nLine 10:   passive voice overused  \nno marker here"
	got := ExtractFromText(text)

	require.Len(t, got, 2)
	assert.Equal(t, Diagnostic{
		From:     Position{Line: 1},
		To:       Position{Line: 2},
		Severity: SeverityError,
		Message:  "Syntax error near brace",
	}, got[0])
	assert.Equal(t, SeverityWarning, got[1].Severity)
	assert.Equal(t, "passive voice overused", got[1].Message)
	assert.Equal(t, 9, got[1].From.Line)

	assert.Empty(t, ExtractFromText("nothing to see"))
}

func TestParseWithFallback(t *testing.T) {
	t.Parallel()

	assert.Len(t, ParseWithFallback(`{"issues":[{"line":1}]}`), 1)
	assert.Len(t, ParseWithFallback("Line 4: unclear claim"), 1)
	assert.Empty(t, ParseWithFallback("```json\n{\"issues\":[]}\n```\nLine 4: ignored"))
}
