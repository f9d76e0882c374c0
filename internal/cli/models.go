// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/inference"
)

func newModelsCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the backend serves",
		Long: `List the models the backend serves, as GET /api/models would.

A pinned model (backend.model or VLLM_MODEL) is reported without contacting
the backend.

Examples:
  chatrelay models
  chatrelay models --json`,
		Args:        cobra.NoArgs,
		Annotations: configured,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.service().ListModels(cmd.Context())
			if err != nil {
				if inference.KindOf(err) == inference.KindUnavailable {
					err = fmt.Errorf("backend at %s is offline: %w", a.cfg.Backend.URL, err)
				}
				if jsonMode(cmd, asJSON) {
					_ = NewJSONErrorResponse("models", err).Print(cmd.OutOrStdout())
				}
				return err
			}

			if jsonMode(cmd, asJSON) {
				return NewJSONResponse("models", list).Print(cmd.OutOrStdout())
			}
			renderModels(cmd.OutOrStdout(), a.cfg.Backend.URL, a.cfg.Backend.Model != "", list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func renderModels(w io.Writer, backendURL string, pinned bool, list *inference.ModelList) {
	fmt.Fprintln(w, TitleStyle.Render("Models"))
	if backendURL != "" {
		fmt.Fprintln(w, RenderKeyValue("Backend", backendURL))
	}
	if pinned {
		fmt.Fprintln(w, RenderKeyValue("Source", "pinned by configuration"))
	}
	fmt.Fprintln(w, RenderSeparator())

	if len(list.Data) == 0 {
		fmt.Fprintln(w, DimStyle.Render("The backend reports no models."))
		return
	}

	for _, m := range list.Data {
		var details []string
		if m.MaxModelLen > 0 {
			details = append(details, fmt.Sprintf("context %d", m.MaxModelLen))
		}
		if m.OwnedBy != "" {
			details = append(details, m.OwnedBy)
		}
		line := "  " + ValueStyle.Render(m.ID)
		if len(details) > 0 {
			line += "  " + DimStyle.Render(strings.Join(details, ", "))
		}
		fmt.Fprintln(w, line)
	}
}
