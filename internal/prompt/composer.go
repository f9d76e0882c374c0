// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"github.com/jeranaias/chatrelay/internal/model"
)

// ThinkingMarker asks a reasoning model to skip its thinking section.
const ThinkingMarker = "/no_think"

// =============================================================================
// COMPOSITION
// =============================================================================

// AddSystemMessage makes prompt the leading system message of conv.
//
// An empty prompt leaves conv untouched and returns it as-is. Otherwise an
// existing leading system message has its content replaced, or a new one is
// inserted at the front. conv itself is never modified.
func AddSystemMessage(conv []model.Message, prompt string) []model.Message {
	if prompt == "" {
		return conv
	}

	if len(conv) == 0 {
		return []model.Message{model.NewSystemMessage(prompt)}
	}

	if conv[0].IsSystem() {
		out := model.Clone(conv)
		out[0].Content = prompt
		out[0].Structured = false
		return out
	}

	out := make([]model.Message, 0, len(conv)+1)
	out = append(out, model.NewSystemMessage(prompt))
	return append(out, conv...)
}

// ApplyThinkingMarker prefixes the most recent user message with
// ThinkingMarker when includeThinking is false.
//
// Only the last user message is considered. If its content arrived as
// structured parts it is left alone. conv itself is never modified.
func ApplyThinkingMarker(conv []model.Message, includeThinking bool) []model.Message {
	if includeThinking {
		return conv
	}

	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role != model.RoleUser {
			continue
		}
		if conv[i].Structured {
			return conv
		}
		out := model.Clone(conv)
		out[i].Content = ThinkingMarker + " " + out[i].Content
		return out
	}
	return conv
}

// Compose applies system prompt injection followed by the thinking marker.
func Compose(conv []model.Message, opts model.ChatOptions) []model.Message {
	out := AddSystemMessage(conv, opts.SystemPrompt)
	return ApplyThinkingMarker(out, opts.ThinkingEnabled())
}
