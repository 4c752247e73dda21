// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the server configuration.
//
// Precedence, lowest first: Default(), the YAML file, environment
// variables, then command-line flags (applied by cmd/paperwriter).
// The API key is never part of Config; Credential reads it on demand.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter/telemetry"
)

// DefaultFileName is looked up in the working directory when no path is
// given to Load.
const DefaultFileName = "paperwriter.yaml"

// DefaultSecretFile is where container deployments mount the API key.
const DefaultSecretFile = "/run/secrets/dashscope_api_key"

var validate = validator.New()

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	ProjectsRoot string            `yaml:"projects_root" validate:"required"`
	AI           AIConfig          `yaml:"ai"`
	Cache        llm.CacheConfig   `yaml:"cache"`
	CORS         CORSConfig        `yaml:"cors"`
	Files        FilesConfig       `yaml:"files"`
	Sessions     SessionsConfig    `yaml:"sessions"`
	Diagnostics  DiagnosticsConfig `yaml:"diagnostics"`
	Watch        WatchConfig       `yaml:"watch"`
	Logging      LoggingConfig     `yaml:"logging"`
	Telemetry    telemetry.Config  `yaml:"telemetry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// KeepAliveInterval spaces SSE keepalive comments.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" validate:"gt=0"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AIConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	Model             string        `yaml:"model" validate:"required"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=1,lte=10"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`

	// APIKeyFile is read when DASHSCOPE_API_KEY is unset.
	APIKeyFile string `yaml:"api_key_file"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type FilesConfig struct {
	MaxFileSizeMB     int      `yaml:"max_file_size_mb" validate:"gte=1"`
	AllowedExtensions []string `yaml:"allowed_extensions" validate:"dive,startswith=."`
}

type SessionsConfig struct {
	ReplacePolicy string        `yaml:"replace_policy" validate:"omitempty,oneof=close overwrite"`
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

type DiagnosticsConfig struct {
	// FallbackTextExtraction scans prose replies for "Line N:" notes when
	// the JSON block cannot be parsed.
	FallbackTextExtraction bool `yaml:"fallback_text_extraction"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto json text"`
	Dir    string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	retry := llm.DefaultRetryPolicy()
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			ShutdownTimeout:   10 * time.Second,
			KeepAliveInterval: 15 * time.Second,
		},
		ProjectsRoot: "./projects",
		AI: AIConfig{
			BaseURL:        llm.DashScopeCompatibleBaseURL,
			Model:          "qwen-turbo",
			Timeout:        30 * time.Second,
			MaxRetries:     retry.MaxAttempts,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			APIKeyFile:     DefaultSecretFile,
		},
		Cache: llm.DefaultCacheConfig(),
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Files: FilesConfig{
			MaxFileSizeMB:     100,
			AllowedExtensions: []string{".md", ".txt", ".tex", ".bib", ".py", ".json"},
		},
		Sessions: SessionsConfig{
			ReplacePolicy: "close",
			WriteTimeout:  10 * time.Second,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 300 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: telemetry.Config{
			ServiceName:    "paperwriter-backend",
			Environment:    "development",
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
			OTLPEndpoint:   "localhost:4317",
		},
	}
}

// Load builds the configuration from path (or ./paperwriter.yaml when path
// is empty and that file exists) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("PAPERWRITER_HOST", &cfg.Server.Host)
	setString("PROJECTS_ROOT", &cfg.ProjectsRoot)
	setString("DASHSCOPE_MODEL", &cfg.AI.Model)
	setString("DASHSCOPE_BASE_URL", &cfg.AI.BaseURL)
	setString("PAPERWRITER_LOG_LEVEL", &cfg.Logging.Level)
	setString("OTEL_TRACES_EXPORTER", &cfg.Telemetry.TraceExporter)
	setString("OTEL_METRICS_EXPORTER", &cfg.Telemetry.MetricExporter)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if v := getenv("PAPERWRITER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PAPERWRITER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := getenv("AI_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AI_TIMEOUT_SECONDS: %w", err)
		}
		cfg.AI.Timeout = time.Duration(secs * float64(time.Second))
	}
	if v := getenv("AI_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AI_MAX_RETRIES: %w", err)
		}
		cfg.AI.MaxRetries = n
	}
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LLM returns the completion client settings.
func (c Config) LLM() llm.Config {
	retry := llm.DefaultRetryPolicy()
	retry.MaxAttempts = c.AI.MaxRetries
	retry.InitialBackoff = c.AI.InitialBackoff
	retry.MaxBackoff = c.AI.MaxBackoff

	return llm.Config{
		BaseURL:           c.AI.BaseURL,
		Model:             c.AI.Model,
		Timeout:           c.AI.Timeout,
		Retry:             retry,
		RequestsPerSecond: c.AI.RequestsPerSecond,
		Burst:             c.AI.Burst,
	}
}

// MaxFileSize returns Files.MaxFileSizeMB in bytes.
func (c Config) MaxFileSize() int64 {
	return int64(c.Files.MaxFileSizeMB) << 20
}

// Credential reads the API key from DASHSCOPE_API_KEY, falling back to
// AI.APIKeyFile. A nil credential with a nil error means none is set and
// the AI endpoints will answer 503.
func (c Config) Credential(getenv func(string) string) (*llm.Credential, error) {
	if key := getenv("DASHSCOPE_API_KEY"); strings.TrimSpace(key) != "" {
		return llm.NewCredential(key), nil
	}
	if c.AI.APIKeyFile == "" {
		return nil, nil
	}
	return llm.CredentialFromSecretFile(c.AI.APIKeyFile)
}
