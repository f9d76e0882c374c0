// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/model"
)

// settingsReport is what `settings` prints.
type settingsReport struct {
	TokenLimit     int               `json:"tokenLimit"`
	ReservedTokens int               `json:"reservedTokens"`
	UsableTokens   int               `json:"usableTokens"`
	PinnedModel    string            `json:"pinnedModel,omitempty"`
	DefaultOptions model.ChatOptions `json:"defaultChatOptions"`
}

func newSettingsCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "settings",
		Short:       "Show the token budget and default chat options",
		Args:        cobra.NoArgs,
		Annotations: configured,
		RunE: func(cmd *cobra.Command, _ []string) error {
			budget := a.service().Budget()
			report := settingsReport{
				TokenLimit:     budget.Limit,
				ReservedTokens: budget.Reserved,
				UsableTokens:   budget.Usable(),
				PinnedModel:    a.cfg.Backend.Model,
				DefaultOptions: model.DefaultChatOptions(),
			}

			if jsonMode(cmd, asJSON) {
				return NewJSONResponse("settings", report).Print(cmd.OutOrStdout())
			}
			renderSettings(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func renderSettings(w io.Writer, r settingsReport) {
	fmt.Fprintln(w, TitleStyle.Render("Settings"))

	fmt.Fprintln(w, SectionStyle.Render("Token budget"))
	fmt.Fprintln(w, RenderKeyValue("Token limit", r.TokenLimit))
	fmt.Fprintln(w, RenderKeyValue("Reserved for reply", r.ReservedTokens))
	fmt.Fprintln(w, RenderKeyValue("Usable for prompt", r.UsableTokens))
	if r.PinnedModel != "" {
		fmt.Fprintln(w, RenderKeyValue("Pinned model", r.PinnedModel))
	}

	o := r.DefaultOptions
	fmt.Fprintln(w, SectionStyle.Render("Default chat options"))
	fmt.Fprintln(w, RenderKeyValue("System prompt", o.SystemPrompt))
	fmt.Fprintln(w, RenderKeyValue("Temperature", *o.Temperature))
	fmt.Fprintln(w, RenderKeyValue("Top P", *o.TopP))
	fmt.Fprintln(w, RenderKeyValue("Top K", *o.TopK))
	fmt.Fprintln(w, RenderKeyValue("Min P", *o.MinP))
	fmt.Fprintln(w, RenderKeyValue("Include thinking", o.ThinkingEnabled()))
}
