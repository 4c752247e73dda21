// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter/handlers"
	"github.com/AleutianAI/paperwriter/services/paperwriter/observability"
	"github.com/AleutianAI/paperwriter/services/paperwriter/sessions"
	"github.com/AleutianAI/paperwriter/services/paperwriter/workspace"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, withMetrics bool) *gin.Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	projects, err := workspace.NewProjects(t.TempDir())
	require.NoError(t, err)
	files := workspace.NewFiles(projects, 0, nil)

	client, err := llm.NewClient(llm.Config{}, llm.WithLogger(logger))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	ai := handlers.NewAIHandler(client, files, metrics, handlers.AIOptions{Logger: logger})

	h := Handlers{
		AI:        ai,
		Sessions:  handlers.NewSessionHandler(ai, sessions.NewRegistry(sessions.ReplacePolicyClose, metrics, logger), handlers.SessionOptions{}),
		Workspace: handlers.NewWorkspaceHandler(projects, files, nil, logger),
		Version:   "1.2.3",
	}
	if withMetrics {
		h.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	router := gin.New()
	SetupRoutes(router, h)
	return router
}

func TestSetupRoutes_AllRoutesRegistered(t *testing.T) {
	t.Parallel()

	router := newRouter(t, true)
	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/"},
		{"GET", "/metrics"},
		{"GET", "/api/v1/health"},
		{"GET", "/api/v1/stream"},
		{"POST", "/api/v1/ai/analyze-idea"},
		{"POST", "/api/v1/ai/continue-writing"},
		{"POST", "/api/v1/ai/check-content"},
		{"POST", "/api/v1/ai/text-to-latex"},
		{"POST", "/api/v1/ai/search-papers"},
		{"POST", "/api/v1/ai/generate-code"},
		{"POST", "/api/v1/project/create"},
		{"POST", "/api/v1/project/open"},
		{"GET", "/api/v1/project/validate"},
		{"GET", "/api/v1/project/structure"},
		{"POST", "/api/v1/project/close"},
		{"GET", "/api/v1/files/list"},
		{"POST", "/api/v1/files/read"},
		{"POST", "/api/v1/files/write"},
		{"POST", "/api/v1/files/create"},
		{"DELETE", "/api/v1/files/delete"},
	}

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "route %s %s not registered", e.method, e.path)
	}
	assert.Len(t, router.Routes(), len(expected))
}

func TestSetupRoutes_MetricsOptional(t *testing.T) {
	t.Parallel()

	router := newRouter(t, false)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	router := newRouter(t, true)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	t.Parallel()

	router := newRouter(t, false)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"paperwriter-backend","version":"1.2.3"}`, w.Body.String())
}

func TestSetupRoutes_UnconfiguredAIAnswers503(t *testing.T) {
	t.Parallel()

	router := newRouter(t, false)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/text-to-latex",
		strings.NewReader(`{"project_id":"p","text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
