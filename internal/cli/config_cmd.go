// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/config"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration",
		Long: `Inspect or create the configuration.

Examples:
  chatrelay config show
  chatrelay config show --json
  chatrelay config init
  chatrelay config init ./chatrelay.toml --force`,
	}
	cmd.AddCommand(newConfigShowCommand(a), newConfigInitCommand(a))
	return cmd
}

func newConfigShowCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "show",
		Short:       "Print the resolved configuration with secrets masked",
		Args:        cobra.NoArgs,
		Annotations: configured,
		RunE: func(cmd *cobra.Command, _ []string) error {
			redacted := a.cfg.Redacted()
			if jsonMode(cmd, asJSON) {
				return NewJSONResponse("config show", redacted).Print(cmd.OutOrStdout())
			}
			renderConfig(cmd.OutOrStdout(), redacted)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newConfigInitCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Long: `Write a default config file.

The path defaults to --config, then $CHATRELAY_CONFIG, then
~/.chatrelay/config.toml. A .yaml or .yml path is written as YAML, anything
else as TOML. Existing files are kept unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.initPath(args)
			if err != nil {
				return err
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", SuccessStyle.Render("[OK]"), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func (a *app) initPath(args []string) (string, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case a.configPath != "":
		return a.configPath, nil
	case os.Getenv("CHATRELAY_CONFIG") != "":
		return os.Getenv("CHATRELAY_CONFIG"), nil
	}
	return config.DefaultPath()
}

func renderConfig(w io.Writer, cfg config.Config) {
	fmt.Fprintln(w, TitleStyle.Render("Configuration"))

	fmt.Fprintln(w, SectionStyle.Render("Backend"))
	fmt.Fprintln(w, keyValueOrUnset("URL", cfg.Backend.URL))
	fmt.Fprintln(w, keyValueOrUnset("API key", cfg.Backend.APIKey))
	fmt.Fprintln(w, keyValueOrUnset("Pinned model", cfg.Backend.Model))
	fmt.Fprintln(w, RenderKeyValue("Models timeout", cfg.Backend.ModelsTimeout))

	fmt.Fprintln(w, SectionStyle.Render("Budget"))
	fmt.Fprintln(w, RenderKeyValue("Token limit", cfg.Budget.TokenLimit))

	s := cfg.Server
	fmt.Fprintln(w, SectionStyle.Render("Server"))
	fmt.Fprintln(w, RenderKeyValue("Address", s.Addr))
	fmt.Fprintln(w, RenderKeyValue("Max request duration", s.MaxRequestDuration))
	fmt.Fprintln(w, RenderKeyValue("Max body bytes", s.MaxBodyBytes))
	fmt.Fprintln(w, keyValueOrUnset("Auth token", s.AuthToken))
	fmt.Fprintln(w, keyValueOrUnset("Allowed IPs", strings.Join(s.AllowedIPs, ", ")))
	fmt.Fprintln(w, keyValueOrUnset("CORS origins", strings.Join(s.CORSOrigins, ", ")))
	if s.RateLimitRPS > 0 {
		fmt.Fprintln(w, RenderKeyValue("Rate limit", fmt.Sprintf("%g/s, burst %d", s.RateLimitRPS, s.RateLimitBurst)))
	} else {
		fmt.Fprintln(w, RenderKeyValue("Rate limit", "off"))
	}
	fmt.Fprintln(w, keyValueOrUnset("Trusted proxies", strings.Join(s.TrustedProxies, ", ")))

	fmt.Fprintln(w, SectionStyle.Render("Logging"))
	fmt.Fprintln(w, RenderKeyValue("Level", cfg.Log.Level))
	fmt.Fprintln(w, RenderKeyValue("Format", cfg.Log.Format))
}

func keyValueOrUnset(label, value string) string {
	if value == "" {
		return LabelStyle.Render(label) + RenderUnset()
	}
	return RenderKeyValue(label, value)
}
