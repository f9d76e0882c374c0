// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatrelay command line.
//
// # Commands
//
//   - serve:       run the HTTP relay until SIGINT or SIGTERM
//   - models:      list the models the backend serves
//   - settings:    show the token limit and default chat options
//   - config show: print the resolved configuration with secrets masked
//   - config init: write a default config file
//   - version:     print version information
//
// Every command except version and config init resolves the configuration
// first (see package config for precedence). The --config and --log-level
// flags apply to all commands.
//
// # Output
//
// Human output is styled with lipgloss when stdout is a terminal. When it is
// not, or when --json is given, commands print a JSON envelope instead.
// Colors honour NO_COLOR and FORCE_COLOR.
//
// # Usage
//
//	func main() {
//		cli.Execute()
//	}
package cli
