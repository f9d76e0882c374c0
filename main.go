// chatrelay - streams chat completions from a vLLM server to web clients.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import "github.com/jeranaias/chatrelay/internal/cli"

func main() {
	cli.Execute()
}
