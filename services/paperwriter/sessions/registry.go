// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions tracks the WebSocket session open for each project and
// defines the messages exchanged over it.
package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoSession is returned by Registry.Send when nothing is registered
// under the key.
var ErrNoSession = errors.New("no session registered")

// ReplacePolicy decides what happens to the session already registered
// under a key when another one registers.
type ReplacePolicy string

const (
	// ReplacePolicyClose closes the prior session after installing the new one.
	ReplacePolicyClose ReplacePolicy = "close"
	// ReplacePolicyOverwrite drops the prior entry and leaves its transport open.
	ReplacePolicyOverwrite ReplacePolicy = "overwrite"
)

// ParseReplacePolicy accepts "close", "overwrite" or "" (close).
func ParseReplacePolicy(s string) (ReplacePolicy, error) {
	switch ReplacePolicy(s) {
	case "", ReplacePolicyClose:
		return ReplacePolicyClose, nil
	case ReplacePolicyOverwrite:
		return ReplacePolicyOverwrite, nil
	default:
		return "", fmt.Errorf("unknown session replace policy %q", s)
	}
}

// Observer is told about registry changes. Implementations must be safe
// for concurrent use.
type Observer interface {
	SessionsActive(n int)
	SessionReplaced(policy string)
}

// Registry maps a project key to its one active Session.
//
// # Description
//
// The lock only guards the map. Send looks the session up under the read
// lock and writes after releasing it, and a replaced session is closed
// after the write lock is released, so one slow client never stalls
// another key. A Send racing a replacement may still reach the prior
// session; under ReplacePolicyClose that write fails with ErrClosed or
// lands just before the transport closes.
//
// Deregister only removes the entry when the stored session ID matches.
// A replaced session's read loop can therefore deregister itself late
// without evicting its successor.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	policy   ReplacePolicy
	observer Observer
	logger   *slog.Logger
}

// NewRegistry returns an empty registry. observer may be nil.
func NewRegistry(policy ReplacePolicy, observer Observer, logger *slog.Logger) *Registry {
	if policy == "" {
		policy = ReplacePolicyClose
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		policy:   policy,
		observer: observer,
		logger:   logger,
	}
}

// Policy returns the replace policy in force.
func (r *Registry) Policy() ReplacePolicy {
	return r.policy
}

// Register installs s under s.Key and returns the session it replaced, if
// any.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[s.Key]
	r.sessions[s.Key] = s
	r.notifyLocked()
	r.mu.Unlock()

	if prev == nil || prev == s {
		return prev
	}
	r.logger.Info("session replaced",
		"key", s.Key,
		"previous_session", prev.ID,
		"session", s.ID,
		"policy", string(r.policy))
	if r.policy == ReplacePolicyClose {
		if err := prev.Close(); err != nil {
			r.logger.Debug("closing replaced session", "session", prev.ID, "error", err)
		}
	}
	if r.observer != nil {
		r.observer.SessionReplaced(string(r.policy))
	}
	return prev
}

// Deregister removes the entry for key if it still belongs to session id.
func (r *Registry) Deregister(key, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[key]
	if !ok || cur.ID != id {
		return false
	}
	delete(r.sessions, key)
	r.notifyLocked()
	return true
}

// Get returns the session registered under key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Send routes v to the session currently registered under key.
func (r *Registry) Send(key string, v interface{}) error {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w for %q", ErrNoSession, key)
	}
	return s.Send(v)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Keys returns the registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloseAll closes and removes every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		open = append(open, s)
		delete(r.sessions, key)
	}
	r.notifyLocked()
	r.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
}

func (r *Registry) notifyLocked() {
	if r.observer != nil {
		r.observer.SessionsActive(len(r.sessions))
	}
}
