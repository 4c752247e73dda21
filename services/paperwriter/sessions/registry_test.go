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
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/paperwriter/services/paperwriter/diagnostics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records writes. inflight detects overlapping writers.
type fakeConn struct {
	mu       sync.Mutex
	writes   []interface{}
	closed   int
	failNext bool

	inflight   atomic.Int32
	overlapped atomic.Bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	if f.inflight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inflight.Add(-1)
	time.Sleep(50 * time.Microsecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("use of closed network connection")
	}
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) snapshot() ([]interface{}, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.writes...), f.closed
}

// stuckConn blocks in WriteJSON until release is closed, whatever Close
// does, like a client that stopped reading.
type stuckConn struct {
	started chan struct{}
	release chan struct{}
	closes  atomic.Int32
}

func newStuckConn() *stuckConn {
	return &stuckConn{started: make(chan struct{}), release: make(chan struct{})}
}

func (c *stuckConn) WriteJSON(interface{}) error {
	close(c.started)
	<-c.release
	return errors.New("write: broken pipe")
}

func (c *stuckConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stuckConn) Close() error {
	c.closes.Add(1)
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	active   int
	replaced int
}

func (o *countingObserver) SessionsActive(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

func (o *countingObserver) SessionReplaced(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replaced++
}

func TestRegistry_SameKeyKeepsMostRecent(t *testing.T) {
	t.Parallel()

	for _, policy := range []ReplacePolicy{ReplacePolicyClose, ReplacePolicyOverwrite} {
		t.Run(string(policy), func(t *testing.T) {
			obs := &countingObserver{}
			reg := NewRegistry(policy, obs, nil)

			firstConn, secondConn := &fakeConn{}, &fakeConn{}
			first := NewSession("p1", firstConn, 0)
			second := NewSession("p1", secondConn, 0)

			assert.Nil(t, reg.Register(first))
			assert.Same(t, first, reg.Register(second))

			assert.Equal(t, 1, reg.Len())
			got, ok := reg.Get("p1")
			require.True(t, ok)
			assert.Same(t, second, got)

			require.NoError(t, reg.Send("p1", CompleteEvent()))
			writes, _ := secondConn.snapshot()
			assert.Len(t, writes, 1)

			assert.Equal(t, 1, obs.active)
			assert.Equal(t, 1, obs.replaced)
		})
	}
}

func TestRegistry_ClosePolicyClosesPrior(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ReplacePolicyClose, nil, nil)
	oldConn := &fakeConn{}
	old := NewSession("p1", oldConn, 0)
	reg.Register(old)
	reg.Register(NewSession("p1", &fakeConn{}, 0))

	_, closed := oldConn.snapshot()
	assert.Equal(t, 1, closed)
	assert.True(t, old.Closed())
	assert.ErrorIs(t, old.Send(CompleteEvent()), ErrClosed)
}

func TestRegistry_OverwritePolicyLeavesPriorOpen(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ReplacePolicyOverwrite, nil, nil)
	oldConn := &fakeConn{}
	old := NewSession("p1", oldConn, 0)
	reg.Register(old)
	reg.Register(NewSession("p1", &fakeConn{}, 0))

	_, closed := oldConn.snapshot()
	assert.Zero(t, closed)
	assert.False(t, old.Closed())
}

func TestRegistry_LateDeregisterKeepsSuccessor(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ReplacePolicyClose, nil, nil)
	first := NewSession("p1", &fakeConn{}, 0)
	second := NewSession("p1", &fakeConn{}, 0)
	reg.Register(first)
	reg.Register(second)

	assert.False(t, reg.Deregister("p1", first.ID))
	got, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, reg.Deregister("p1", second.ID))
	assert.Zero(t, reg.Len())
	assert.False(t, reg.Deregister("p1", second.ID))
}

func TestRegistry_SendWithoutSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ReplacePolicyClose, nil, nil)
	assert.ErrorIs(t, reg.Send("missing", CompleteEvent()), ErrNoSession)
}

func TestRegistry_KeysAndCloseAll(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	reg := NewRegistry("", obs, nil)
	assert.Equal(t, ReplacePolicyClose, reg.Policy())

	conns := []*fakeConn{{}, {}}
	reg.Register(NewSession("b", conns[0], 0))
	reg.Register(NewSession("a", conns[1], 0))
	assert.Equal(t, []string{"a", "b"}, reg.Keys())
	assert.Equal(t, 2, obs.active)

	reg.CloseAll()
	assert.Zero(t, reg.Len())
	assert.Zero(t, obs.active)
	for _, c := range conns {
		_, closed := c.snapshot()
		assert.Equal(t, 1, closed)
	}
}

func TestRegistry_ConcurrentSendsAreSerialized(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ReplacePolicyClose, nil, nil)
	conn := &fakeConn{}
	reg.Register(NewSession("p1", conn, time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Send("p1", NewStreamEvent("x")))
		}()
	}
	wg.Wait()

	writes, _ := conn.snapshot()
	assert.Len(t, writes, 20)
	assert.False(t, conn.overlapped.Load())
}

func TestRegistry_ConcurrentRegisterAndDeregister(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ReplacePolicyClose, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewSession("p1", &fakeConn{}, 0)
			reg.Register(s)
			_ = reg.Send("p1", CompleteEvent())
			reg.Deregister("p1", s.ID)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, reg.Len(), 1)
}

func TestRegistry_SlowClientDoesNotStallOtherKeys(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ReplacePolicyClose, nil, nil)

	stuck := newStuckConn()
	defer close(stuck.release)
	slow := NewSession("p1", stuck, 10*time.Second)
	reg.Register(slow)

	otherConn := &fakeConn{}
	reg.Register(NewSession("other", otherConn, 0))

	go func() { _ = reg.Send("p1", NewStreamEvent("x")) }()
	<-stuck.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Register(NewSession("p1", &fakeConn{}, 0))
		assert.NoError(t, reg.Send("other", CompleteEvent()))
		assert.False(t, reg.Deregister("p1", slow.ID))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry blocked behind a write to a replaced session")
	}

	assert.True(t, slow.Closed())
	assert.Equal(t, int32(1), stuck.closes.Load())
	writes, _ := otherConn.snapshot()
	assert.Len(t, writes, 1)
}

func TestSession_CloseDoesNotWaitForWrite(t *testing.T) {
	t.Parallel()

	stuck := newStuckConn()
	s := NewSession("p1", stuck, 0)

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.Send(CompleteEvent()) }()
	<-stuck.started

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close waited for the in-flight write")
	}
	assert.True(t, s.Closed())

	close(stuck.release)
	assert.Error(t, <-sendErr)
	assert.ErrorIs(t, s.Send(CompleteEvent()), ErrClosed)
	assert.Equal(t, int32(1), stuck.closes.Load())
}

func TestSession_WriteFailureCloses(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{failNext: true}
	s := NewSession("p1", conn, 0)

	require.Error(t, s.Send(CompleteEvent()))
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.Send(CompleteEvent()), ErrClosed)

	require.NoError(t, s.Close())
	_, closed := conn.snapshot()
	assert.Equal(t, 1, closed)
}

func TestParseReplacePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseReplacePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ReplacePolicyClose, p)

	p, err = ParseReplacePolicy("overwrite")
	require.NoError(t, err)
	assert.Equal(t, ReplacePolicyOverwrite, p)

	_, err = ParseReplacePolicy("evict")
	assert.Error(t, err)
}

func TestEvents_WireShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event interface{}
		want  string
	}{
		{"stream", NewStreamEvent("Over"), `{"type":"stream","content":"Over"}`},
		{"empty delta keeps content", NewStreamEvent(""), `{"type":"stream","content":""}`},
		{"complete", CompleteEvent(), `{"type":"complete"}`},
		{"error", NewErrorEvent("Unknown message type: foo"), `{"type":"error","message":"Unknown message type: foo"}`},
		{"tree changed", TreeChangedEvent(), `{"type":"tree_changed"}`},
		{"no diagnostics", NewDiagnosticsEvent(nil), `{"type":"diagnostics","data":[]}`},
		{
			"diagnostics",
			NewDiagnosticsEvent([]diagnostics.Diagnostic{{
				From: diagnostics.Position{Line: 3}, To: diagnostics.Position{Line: 4},
				Severity: diagnostics.SeverityWarning, Message: "dangling reference",
			}}),
			`{"type":"diagnostics","data":[{"from":{"line":3,"ch":0},"to":{"line":4,"ch":0},"severity":"warning","message":"dangling reference"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))
		})
	}

	assert.Equal(t, "Unknown message type: foo", (&ProtocolError{Type: "foo"}).Error())
}
