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
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter/diagnostics"
	"github.com/AleutianAI/paperwriter/services/paperwriter/sessions"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// event is the decoded form of any outbound session message.
type event struct {
	Type    string        `json:"type"`
	Content string        `json:"content"`
	Message string        `json:"message"`
	Data    []interface{} `json:"data"`
}

func startServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	return srv
}

func dialSession(t *testing.T, srv *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream?project_id=" + key
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func waitRegistered(t *testing.T, env *testEnv, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := env.registry.Get(key)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_AnalyzeStreamsInOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{Deltas: []string{"Over", "view: ", "feasible."}})
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "analyze", "idea": "x", "context": ""}))

	for _, want := range []string{"Over", "view: ", "feasible."} {
		ev := readEvent(t, conn)
		assert.Equal(t, sessions.EventStream, ev.Type)
		assert.Equal(t, want, ev.Content)
	}
	assert.Equal(t, sessions.EventComplete, readEvent(t, conn).Type)
}

func TestSession_ContinueFailureIsInBand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{OpenErr: assert.AnError})
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "continue", "current_content": "abc"}))
	ev := readEvent(t, conn)
	assert.Equal(t, sessions.EventError, ev.Type)
	assert.Equal(t, msgUpstream, ev.Message)
}

func TestSession_AnalyzeFailureAfterDeltas(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{
		Deltas:    []string{"first ", "second"},
		StreamErr: errors.New("connection reset by peer"),
	})
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "analyze", "idea": "x"}))
	for _, want := range []string{"first ", "second"} {
		ev := readEvent(t, conn)
		require.Equal(t, sessions.EventStream, ev.Type)
		assert.Equal(t, want, ev.Content)
	}
	ev := readEvent(t, conn)
	assert.Equal(t, sessions.EventError, ev.Type)
	assert.Equal(t, msgUpstream, ev.Message)

	// Commands run in order, so a stray complete would arrive first.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	ev = readEvent(t, conn)
	assert.Equal(t, sessions.EventError, ev.Type)
	assert.Equal(t, "Unknown message type: ping", ev.Message)
}

func TestSession_CheckContentSendsDiagnostics(t *testing.T) {
	t.Parallel()

	reply := "Found two problems.\n```json\n" +
		`{"issues":[{"type":"grammar","severity":"error","line":3,"message":"subject-verb agreement"},` +
		`{"type":"style","severity":"warning","line":7,"message":"sentence is too long"}]}` +
		"\n```"
	env := newTestEnv(t, &fakeBackend{Reply: reply})
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "check_content", "content": "The results is clear.", "check_type": "grammar",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev struct {
		Type string                   `json:"type"`
		Data []diagnostics.Diagnostic `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, sessions.EventDiagnostics, ev.Type)
	require.Len(t, ev.Data, 2)

	assert.Equal(t, diagnostics.SeverityError, ev.Data[0].Severity)
	assert.Equal(t, "subject-verb agreement", ev.Data[0].Message)
	assert.Equal(t, diagnostics.Position{Line: 3}, ev.Data[0].From)
	assert.Equal(t, diagnostics.Position{Line: 4}, ev.Data[0].To)
	assert.Equal(t, diagnostics.SeverityWarning, ev.Data[1].Severity)
	assert.Equal(t, 7, ev.Data[1].From.Line)

	msgs := env.backend.lastMessages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "The results is clear.")
}

func TestSession_CheckContentFailureKeepsSessionOpen(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		CompleteErr: &llm.TransientError{Op: "complete", Err: context.DeadlineExceeded},
		Deltas:      []string{"still here"},
	}
	env := newTestEnv(t, backend)
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "check_content", "content": "x"}))
	ev := readEvent(t, conn)
	assert.Equal(t, sessions.EventError, ev.Type)
	assert.Equal(t, msgUpstream, ev.Message)
	assert.NotContains(t, ev.Message, "deadline")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "analyze", "idea": "x"}))
	ev = readEvent(t, conn)
	assert.Equal(t, sessions.EventStream, ev.Type)
	assert.Equal(t, "still here", ev.Content)
	assert.Equal(t, sessions.EventComplete, readEvent(t, conn).Type)

	_, ok := env.registry.Get("p1")
	assert.True(t, ok)
}

func TestSession_UnknownCommandKeepsSessionOpen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{Reply: "no issues found"})
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	ev := readEvent(t, conn)
	assert.Equal(t, sessions.EventError, ev.Type)
	assert.Equal(t, "Unknown message type: bogus", ev.Message)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "check_content", "content": "hello"}))
	ev = readEvent(t, conn)
	assert.Equal(t, sessions.EventDiagnostics, ev.Type)
	assert.Empty(t, ev.Data)
}

func TestSession_MalformedMessage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{Deltas: []string{"ok"}})
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, sessions.EventError, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "analyze", "idea": "x"}))
	assert.Equal(t, "ok", readEvent(t, conn).Content)
	assert.Equal(t, sessions.EventComplete, readEvent(t, conn).Type)
}

func TestSession_MissingProjectID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{})
	srv := startServer(t, env)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSession_TreeChangedRoutedByKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{})
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")
	waitRegistered(t, env, "p1")

	notify := NotifyTreeChanged(env.registry, discardLogger())
	notify("p1")
	notify("nobody")

	assert.Equal(t, sessions.EventTreeChanged, readEvent(t, conn).Type)
}

func TestSession_DisconnectCancelsStream(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{Deltas: []string{"first"}, Block: true}
	env := newTestEnv(t, backend)
	srv := startServer(t, env)
	conn := dialSession(t, srv, "p1")
	waitRegistered(t, env, "p1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "analyze", "idea": "x"}))
	assert.Equal(t, "first", readEvent(t, conn).Content)

	require.NoError(t, conn.Close())

	assert.Eventually(t, backend.cancelled.Load, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSession_SecondConnectionReplacesFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBackend{})
	srv := startServer(t, env)

	first := dialSession(t, srv, "p1")
	waitRegistered(t, env, "p1")
	_ = dialSession(t, srv, "p1")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "first session should be closed by the server")
	}
	assert.Equal(t, 1, env.registry.Len())
}
