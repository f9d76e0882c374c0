// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/chat"
	"github.com/jeranaias/chatrelay/internal/config"
)

// needsConfig marks commands that resolve the configuration before running.
// Others, including cobra's help and completion, work with a broken config.
const needsConfig = "chatrelay/needs-config"

var configured = map[string]string{needsConfig: "true"}

// app holds state shared by one command tree: the persistent flags and what
// PersistentPreRunE resolves from them.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the chatrelay command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "Stream chat completions from a vLLM server to web clients",
		Long: `chatrelay sits between a chat UI and an OpenAI-compatible inference server
such as vLLM. It fits each conversation into the model's context window and
relays the reply as an AI SDK data stream.

Configuration is read from ~/.chatrelay/config.toml (or --config, or
$CHATRELAY_CONFIG) and overridden by environment variables:
  VLLM_URL, VLLM_API_KEY, VLLM_MODEL, VLLM_TOKEN_LIMIT,
  CHATRELAY_ADDR, CHATRELAY_AUTH_TOKEN, CHATRELAY_LOG_LEVEL`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (TOML or YAML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	root.AddCommand(
		newServeCommand(a),
		newModelsCommand(a),
		newSettingsCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		DisplayError(os.Stderr, err)
		os.Exit(GetExitCode(err))
	}
}

// setup resolves the configuration and builds the process logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[needsConfig] == "" {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &ConfigError{Err: err}
	}
	if a.logLevel != "" {
		cfg.Log.Level = strings.ToLower(a.logLevel)
		if err := cfg.Validate(); err != nil {
			return &UsageError{Err: fmt.Errorf("--log-level: %w", err)}
		}
	}

	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
	return nil
}

// newLogger builds a text or JSON slog logger writing to w.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// service builds the chat service for the resolved configuration.
func (a *app) service() *chat.Service {
	return chat.NewService(*a.cfg, chat.NewClient(*a.cfg), a.logger)
}

// jsonMode reports whether cmd should print JSON: when asked to, or when
// stdout is not a terminal.
func jsonMode(cmd *cobra.Command, flag bool) bool {
	return flag || !isTerminal(cmd.OutOrStdout())
}
