// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/paperwriter/services/llm"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paperwriter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, "./projects", cfg.ProjectsRoot)
	assert.Equal(t, "qwen-turbo", cfg.AI.Model)
	assert.Equal(t, 30*time.Second, cfg.AI.Timeout)
	assert.Equal(t, 3, cfg.AI.MaxRetries)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "close", cfg.Sessions.ReplacePolicy)
	assert.Equal(t, int64(100<<20), cfg.MaxFileSize())
	assert.Contains(t, cfg.CORS.AllowedOrigins, "http://localhost:5173")
}

func TestLoadWithEnv_YAMLOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, `
server:
  port: 9001
projects_root: /srv/papers
ai:
  model: qwen-plus
  timeout: 45s
  max_retries: 5
cache:
  enabled: true
  in_memory: true
sessions:
  replace_policy: overwrite
files:
  allowed_extensions: [".md"]
`)
	cfg, err := LoadWithEnv(path, envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep defaults")
	assert.Equal(t, "/srv/papers", cfg.ProjectsRoot)
	assert.Equal(t, "qwen-plus", cfg.AI.Model)
	assert.Equal(t, 45*time.Second, cfg.AI.Timeout)
	assert.Equal(t, 5, cfg.AI.MaxRetries)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "overwrite", cfg.Sessions.ReplacePolicy)
	assert.Equal(t, []string{".md"}, cfg.Files.AllowedExtensions)
}

func TestLoadWithEnv_EnvOverridesYAML(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, "server:\n  port: 9001\n")
	cfg, err := LoadWithEnv(path, envOf(map[string]string{
		"PAPERWRITER_PORT":      "7000",
		"PAPERWRITER_HOST":      "127.0.0.1",
		"PROJECTS_ROOT":         "/data",
		"DASHSCOPE_MODEL":       "qwen-max",
		"AI_TIMEOUT_SECONDS":    "12.5",
		"AI_MAX_RETRIES":        "2",
		"OTEL_TRACES_EXPORTER":  "stdout",
		"PAPERWRITER_LOG_LEVEL": "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr())
	assert.Equal(t, "/data", cfg.ProjectsRoot)
	assert.Equal(t, "qwen-max", cfg.AI.Model)
	assert.Equal(t, 12500*time.Millisecond, cfg.AI.Timeout)
	assert.Equal(t, 2, cfg.AI.MaxRetries)
	assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithEnv_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
		env  map[string]string
	}{
		{
			name: "explicit path missing",
			path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") },
		},
		{
			name: "malformed yaml",
			path: func(t *testing.T) string { return writeYAML(t, "server: [port") },
		},
		{
			name: "bad port env",
			path: func(t *testing.T) string { return writeYAML(t, "{}") },
			env:  map[string]string{"PAPERWRITER_PORT": "eighty"},
		},
		{
			name: "port out of range",
			path: func(t *testing.T) string { return writeYAML(t, "server:\n  port: 70000\n") },
		},
		{
			name: "unknown replace policy",
			path: func(t *testing.T) string { return writeYAML(t, "sessions:\n  replace_policy: evict\n") },
		},
		{
			name: "extension without dot",
			path: func(t *testing.T) string { return writeYAML(t, "files:\n  allowed_extensions: [md]\n") },
		},
		{
			name: "backoff cap below initial",
			path: func(t *testing.T) string {
				return writeYAML(t, "ai:\n  initial_backoff: 5s\n  max_backoff: 1s\n")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv(tt.path(t), envOf(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestConfig_LLM(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.AI.MaxRetries = 4
	cfg.AI.RequestsPerSecond = 2

	got := cfg.LLM()
	require.NoError(t, got.Validate())
	assert.Equal(t, 4, got.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, got.Retry.InitialBackoff)
	assert.Equal(t, 10*time.Second, got.Retry.MaxBackoff)
	assert.Equal(t, 2.0, got.Retry.BackoffFactor)
	assert.Equal(t, llm.DashScopeCompatibleBaseURL, got.BaseURL)
	assert.Equal(t, 2.0, got.RequestsPerSecond)
}

func TestConfig_Credential(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.AI.APIKeyFile = filepath.Join(t.TempDir(), "missing")

	cred, err := cfg.Credential(envOf(map[string]string{"DASHSCOPE_API_KEY": "sk-test"}))
	require.NoError(t, err)
	assert.True(t, cred.Present())

	cred, err = cfg.Credential(envOf(nil))
	require.NoError(t, err)
	assert.False(t, cred.Present())

	secret := filepath.Join(t.TempDir(), "dashscope_api_key")
	require.NoError(t, os.WriteFile(secret, []byte("sk-from-file\n"), 0o600))
	cfg.AI.APIKeyFile = secret
	cred, err = cfg.Credential(envOf(nil))
	require.NoError(t, err)
	require.True(t, cred.Present())
	require.NoError(t, cred.Use(func(key string) error {
		assert.Equal(t, "sk-from-file", key)
		return nil
	}))
}
