// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// CHAT OPTIONS
// =============================================================================

// ChatOptions carries the per-request model selection and sampling settings.
// Sampling parameters are optional and forwarded to the backend unvalidated;
// a nil pointer means "let the backend decide".
type ChatOptions struct {
	SelectedModel string   `json:"selectedModel"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	TopK          *int     `json:"topK,omitempty"`
	MinP          *float64 `json:"minP,omitempty"`

	// IncludeThinking defaults to true when absent.
	IncludeThinking *bool `json:"includeThinking,omitempty"`
}

// ThinkingEnabled returns the effective includeThinking value.
func (o ChatOptions) ThinkingEnabled() bool {
	if o.IncludeThinking == nil {
		return true
	}
	return *o.IncludeThinking
}

// Float returns a pointer to v. Handy for building options in code and tests.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// DefaultChatOptions mirrors the settings a fresh chat UI starts with.
func DefaultChatOptions() ChatOptions {
	return ChatOptions{
		SystemPrompt:    "You are a helpful assistant.",
		Temperature:     Float(0.6),
		TopP:            Float(0.95),
		TopK:            Int(20),
		MinP:            Float(0.0),
		IncludeThinking: Bool(true),
	}
}
