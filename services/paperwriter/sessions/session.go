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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Send on a session that has reached Closed.
var ErrClosed = errors.New("session closed")

// Conn is the write side of a WebSocket connection. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one open bidirectional connection for a project.
//
// gorilla/websocket allows a single concurrent writer, so every write goes
// through Send, which holds the session's write mutex. Close does not take
// that mutex: it marks the session Closed and closes the transport, which
// makes a write blocked on a slow client fail at once. Once a write fails
// or Close is called the session is Closed and stays that way.
type Session struct {
	Key string
	ID  string

	conn         Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSession wraps conn for key with a fresh ID. A zero writeTimeout
// leaves writes unbounded.
func NewSession(key string, conn Conn, writeTimeout time.Duration) *Session {
	if conn == nil {
		panic("sessions.NewSession: conn must not be nil")
	}
	return &Session{
		Key:          key,
		ID:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send writes v as one JSON message.
func (s *Session) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			_ = s.Close()
			return fmt.Errorf("session %s: set deadline: %w", s.ID, err)
		}
	}
	if err := s.conn.WriteJSON(v); err != nil {
		_ = s.Close()
		return fmt.Errorf("session %s: write: %w", s.ID, err)
	}
	return nil
}

// Close moves the session to Closed and closes the transport. It never
// waits for an in-flight Send. Calling it again is a no-op.
func (s *Session) Close() error {
	s.closed.Store(true)
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Closed reports whether the session has reached Closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}
