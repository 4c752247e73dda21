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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter/datatypes"
	"github.com/AleutianAI/paperwriter/services/paperwriter/middleware"
	"github.com/AleutianAI/paperwriter/services/paperwriter/observability"
	"github.com/AleutianAI/paperwriter/services/paperwriter/prompts"
	"github.com/AleutianAI/paperwriter/services/paperwriter/sessions"
	"github.com/AleutianAI/paperwriter/services/paperwriter/streaming"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// maxCommandBytes bounds one inbound session message.
	maxCommandBytes = 1 << 20

	// commandQueue is how many commands may wait while one runs.
	commandQueue = 8
)

// ProjectWatcher is told which projects have an open session.
// *workspace.Watcher implements it.
type ProjectWatcher interface {
	Watch(projectID string) error
	Unwatch(projectID string)
}

// SessionOptions configures a SessionHandler.
type SessionOptions struct {
	// WriteTimeout bounds each write to the socket. Zero means unbounded.
	WriteTimeout time.Duration

	// CheckOrigin decides whether to accept the upgrade. Nil accepts all
	// origins.
	CheckOrigin func(r *http.Request) bool

	// Watcher, when set, watches the project while a session is open so
	// file changes reach the client as tree_changed events.
	Watcher ProjectWatcher

	Logger *slog.Logger
}

// SessionHandler serves GET /api/v1/stream?project_id=KEY.
//
// # Description
//
// The connection is upgraded and registered under the project key. A
// reader goroutine decodes commands and queues them; a worker runs them
// one at a time in arrival order. When the read side fails the session
// context is cancelled, which stops any stream being forwarded, and the
// session is deregistered and closed.
//
// Replies go to the session that sent the command. Out-of-band events
// such as tree_changed are routed by key through the registry.
//
// # Thread Safety
//
// Safe for concurrent use. Every session write goes through
// sessions.Session, which serializes writers.
type SessionHandler struct {
	ai           *AIHandler
	registry     *sessions.Registry
	metrics      *observability.Metrics
	watcher      ProjectWatcher
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewSessionHandler creates a SessionHandler. ai and registry are
// required.
func NewSessionHandler(ai *AIHandler, registry *sessions.Registry, opts SessionOptions) *SessionHandler {
	if ai == nil {
		panic("handlers.NewSessionHandler: ai must not be nil")
	}
	if registry == nil {
		panic("handlers.NewSessionHandler: registry must not be nil")
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = ai.logger
	}
	return &SessionHandler{
		ai:           ai,
		registry:     registry,
		metrics:      ai.metrics,
		watcher:      opts.Watcher,
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// HandleStream upgrades the connection and runs the session until the
// client goes away.
func (h *SessionHandler) HandleStream(c *gin.Context) {
	key := c.Query("project_id")
	if key == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "project_id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "project_id", key, "error", err)
		return
	}
	conn.SetReadLimit(maxCommandBytes)

	session := sessions.NewSession(key, conn, h.writeTimeout)
	logger := middleware.Logger(c, h.logger).With("project_id", key, "session", session.ID)

	h.registry.Register(session)
	defer session.Close()
	defer h.registry.Deregister(key, session.ID)

	if h.watcher != nil {
		if err := h.watcher.Watch(key); err != nil {
			logger.Debug("project not watched", "error", err)
		} else {
			defer h.watcher.Unwatch(key)
		}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	logger.Info("session opened")
	commands := make(chan sessions.Command, commandQueue)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for cmd := range commands {
			if ctx.Err() != nil {
				return
			}
			h.dispatch(ctx, logger, session, cmd)
		}
	}()

	h.readLoop(ctx, logger, conn, session, commands)
	cancel()
	close(commands)
	<-workerDone
	logger.Info("session closed")
}

// readLoop decodes commands until the transport fails or ctx ends.
func (h *SessionHandler) readLoop(ctx context.Context, logger *slog.Logger, conn *websocket.Conn, session *sessions.Session, out chan<- sessions.Command) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("session read failed", "error", err)
			}
			return
		}

		var cmd sessions.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.metrics.RecordError(observability.EndpointSession, observability.ErrorCodeProtocol)
			if h.send(logger, session, sessions.NewErrorEvent("invalid message: expected a JSON object")) != nil {
				return
			}
			continue
		}

		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch runs one command. Failures are reported in-band and leave the
// session open.
func (h *SessionHandler) dispatch(ctx context.Context, logger *slog.Logger, session *sessions.Session, cmd sessions.Command) {
	switch cmd.Type {
	case sessions.CommandCheckContent:
		h.metrics.RecordCommand(cmd.Type)
		h.runCheck(ctx, logger, session, cmd)

	case sessions.CommandAnalyze:
		h.metrics.RecordCommand(cmd.Type)
		turn := prompts.Build(prompts.FeatureAnalyzeIdea, prompts.Payload{Idea: cmd.Idea, ProjectContext: cmd.Context})
		h.runStream(ctx, logger, session, observability.EndpointSessionAnalyze, turn)

	case sessions.CommandContinue:
		h.metrics.RecordCommand(cmd.Type)
		turn := prompts.Build(prompts.FeatureContinueWriting, prompts.Payload{CurrentContent: cmd.CurrentContent, FileContext: cmd.FileContext})
		h.runStream(ctx, logger, session, observability.EndpointSessionContinue, turn)

	default:
		h.metrics.RecordCommand("unknown")
		h.metrics.RecordError(observability.EndpointSession, observability.ErrorCodeProtocol)
		perr := &sessions.ProtocolError{Type: cmd.Type}
		logger.Debug("unknown session command", "type", cmd.Type)
		_ = h.send(logger, session, sessions.NewErrorEvent(perr.Error()))
	}
}

func (h *SessionHandler) runCheck(ctx context.Context, logger *slog.Logger, session *sessions.Session, cmd sessions.Command) {
	const ep = observability.EndpointSessionCheck
	turn := prompts.Build(prompts.FeatureCheckContent, prompts.Payload{Content: cmd.Content, CheckType: cmd.CheckType})

	diags, err := h.ai.check(ctx, ep, turn)
	if err != nil {
		h.metrics.RecordError(ep, classifyError(err).Code)
		h.metrics.RecordRequest(ep, false)
		logger.Warn("check failed", "error", err)
		_ = h.send(logger, session, sessions.NewErrorEvent(clientMessage(err)))
		return
	}
	h.metrics.RecordRequest(ep, true)
	_ = h.send(logger, session, sessions.NewDiagnosticsEvent(diags))
}

func (h *SessionHandler) runStream(ctx context.Context, logger *slog.Logger, session *sessions.Session, ep observability.Endpoint, turn llm.Turn) {
	logger = logger.With("endpoint", string(ep))
	start := time.Now()

	stream, err := h.ai.client.CompleteStream(ctx, turn)
	if err != nil {
		h.metrics.RecordError(ep, classifyError(err).Code)
		h.metrics.RecordRequest(ep, false)
		logger.Warn("stream open failed", "error", err)
		_ = h.send(logger, session, sessions.NewErrorEvent(clientMessage(err)))
		return
	}
	defer stream.Close()

	h.metrics.StreamStarted(ep)
	defer h.metrics.StreamEnded(ep)

	sink := &sessionSink{
		session: session,
		onFirst: func() { h.metrics.RecordTimeToFirstDelta(ep, time.Since(start)) },
	}
	stats, err := streaming.Pump(ctx, stream, sink)
	h.ai.finishStream(logger, ep, start, stats, err)
}

// send writes v to the session, logging a failure.
func (h *SessionHandler) send(logger *slog.Logger, session *sessions.Session, v interface{}) error {
	err := session.Send(v)
	if err != nil && !errors.Is(err, sessions.ErrClosed) {
		logger.Debug("session write failed", "error", err)
	}
	return err
}

// sessionSink adapts a session to streaming.Sink.
type sessionSink struct {
	session *sessions.Session
	onFirst func()
	started bool
}

func (s *sessionSink) Delta(text string) error {
	if !s.started {
		s.started = true
		if s.onFirst != nil {
			s.onFirst()
		}
	}
	return s.session.Send(sessions.NewStreamEvent(text))
}

func (s *sessionSink) Done() error {
	return s.session.Send(sessions.CompleteEvent())
}

func (s *sessionSink) Fail(err error) error {
	return s.session.Send(sessions.NewErrorEvent(clientMessage(err)))
}

// NotifyTreeChanged pushes tree_changed to the session registered under
// projectID, if any. It has the shape of workspace.ChangeHandler.
func NotifyTreeChanged(registry *sessions.Registry, logger *slog.Logger) func(projectID string) {
	return func(projectID string) {
		err := registry.Send(projectID, sessions.TreeChangedEvent())
		if err != nil && !errors.Is(err, sessions.ErrNoSession) {
			logger.Debug("tree_changed not delivered", "project_id", projectID, "error", err)
		}
	}
}
