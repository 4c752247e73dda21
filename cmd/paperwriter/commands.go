// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/paperwriter/pkg/logging"
	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter"
	"github.com/AleutianAI/paperwriter/services/paperwriter/config"
	"github.com/AleutianAI/paperwriter/services/paperwriter/diagnostics"
	"github.com/AleutianAI/paperwriter/services/paperwriter/prompts"
)

// --- Flags ---
type rootFlags struct {
	configPath string
}

type serveFlags struct {
	host         string
	port         int
	projectsRoot string
}

type checkFlags struct {
	checkType string
	fallback  bool
}

func newRootCmd() *cobra.Command {
	var rf rootFlags

	rootCmd := &cobra.Command{
		Use:           "paperwriter",
		Short:         "Backend for the PaperWriter academic editor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&rf.configPath, "config", "",
		"path to the YAML config (default ./"+config.DefaultFileName+" when present)")

	rootCmd.AddCommand(newServeCmd(&rf), newCheckCmd(&rf), newVersionCmd())
	return rootCmd
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(rf *rootFlags) *cobra.Command {
	var sf serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rf.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Server.Host = sf.host
			}
			if flags.Changed("port") {
				cfg.Server.Port = sf.port
			}
			if flags.Changed("projects-root") {
				cfg.ProjectsRoot = sf.projectsRoot
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&sf.host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&sf.port, "port", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&sf.projectsRoot, "projects-root", "", "directory holding the projects (overrides config)")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := paperwriter.New(ctx, cfg, paperwriter.Options{
		Version: version,
		Logger:  logger.Slog(),
	})
	if err != nil {
		return err
	}

	runErr := svc.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Slog().Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

// =============================================================================
// check
// =============================================================================

func newCheckCmd(rf *rootFlags) *cobra.Command {
	var cf checkFlags

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Run a content check on a file and print the diagnostics as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rf.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("fallback") {
				cfg.Diagnostics.FallbackTextExtraction = cf.fallback
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			diags, err := runCheck(ctx, cfg, string(content), cf.checkType, nil)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(diags)
		},
	}
	cmd.Flags().StringVar(&cf.checkType, "type", prompts.DefaultCheckType, "check type passed to the model")
	cmd.Flags().BoolVar(&cf.fallback, "fallback", false, `scan prose replies for "Line N:" notes when no JSON block is found`)
	return cmd
}

// runCheck sends content for a check and parses the reply. A non-nil
// backend replaces the configured one.
func runCheck(ctx context.Context, cfg config.Config, content, checkType string, backend llm.Backend) ([]diagnostics.Diagnostic, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	opts := []llm.Option{llm.WithLogger(logger)}
	if backend != nil {
		opts = append(opts, llm.WithBackend(backend))
	} else {
		cred, err := cfg.Credential(os.Getenv)
		if err != nil {
			return nil, err
		}
		opts = append(opts, llm.WithCredential(cred))
	}
	client, err := llm.NewClient(cfg.LLM(), opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	turn := prompts.Build(prompts.FeatureCheckContent, prompts.Payload{Content: content, CheckType: checkType})
	raw, err := client.Complete(ctx, turn)
	if err != nil {
		return nil, err
	}

	res := diagnostics.ParseResult(raw)
	if !res.OK && cfg.Diagnostics.FallbackTextExtraction {
		return diagnostics.ExtractFromText(raw), nil
	}
	if res.Diagnostics == nil {
		return []diagnostics.Diagnostic{}, nil
	}
	return res.Diagnostics, nil
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(cfg config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Service: "paperwriter",
		Format:  cfg.Logging.Format,
		LogDir:  cfg.Logging.Dir,
	})
	if err != nil {
		// The logger still writes to stderr.
		logger.Slog().Warn("log file unavailable", "error", err)
	}
	return logger, nil
}
