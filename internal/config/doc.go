// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config resolves chatrelay settings.
//
// # Configuration Precedence
//
// Later sources win:
//   - Built-in defaults
//   - The config file (~/.chatrelay/config.toml, $CHATRELAY_CONFIG or --config;
//     .yaml and .yml files are read as YAML)
//   - Environment variables (VLLM_*, NEXT_PUBLIC_VLLM_*, CHATRELAY_*)
//
// The result is validated once and then treated as an immutable value.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	budget := cfg.TokenBudget()
package config
