// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/model"
)

// =============================================================================
// SYSTEM PROMPT TESTS
// =============================================================================

func TestAddSystemMessage_EmptyPromptReturnsInput(t *testing.T) {
	conv := []model.Message{
		model.NewSystemMessage("existing"),
		model.NewUserMessage("hi"),
	}

	out := AddSystemMessage(conv, "")

	require.Len(t, out, 2)
	assert.Same(t, &conv[0], &out[0])
	assert.Equal(t, "existing", out[0].Content)
}

func TestAddSystemMessage_EmptyConversation(t *testing.T) {
	out := AddSystemMessage(nil, "be nice")
	assert.Equal(t, []model.Message{model.NewSystemMessage("be nice")}, out)
}

func TestAddSystemMessage_ReplacesExisting(t *testing.T) {
	conv := []model.Message{
		model.NewSystemMessage("old"),
		model.NewUserMessage("hi"),
	}

	out := AddSystemMessage(conv, "new")

	require.Len(t, out, 2)
	assert.Equal(t, model.NewSystemMessage("new"), out[0])
	assert.Equal(t, "old", conv[0].Content, "input must not be modified")
}

func TestAddSystemMessage_Prepends(t *testing.T) {
	conv := []model.Message{
		model.NewUserMessage("hi"),
		model.NewAssistantMessage("hello"),
	}

	out := AddSystemMessage(conv, "sys")

	require.Len(t, out, 3)
	assert.Equal(t, model.NewSystemMessage("sys"), out[0])
	assert.Equal(t, conv, out[1:])
}

func TestAddSystemMessage_Idempotent(t *testing.T) {
	inputs := [][]model.Message{
		nil,
		{model.NewUserMessage("a")},
		{model.NewSystemMessage("x"), model.NewUserMessage("a")},
		{model.NewAssistantMessage("b"), model.NewUserMessage("c")},
	}

	for _, conv := range inputs {
		once := AddSystemMessage(conv, "prompt")
		twice := AddSystemMessage(once, "prompt")
		assert.Equal(t, once, twice)
	}
}

// =============================================================================
// THINKING MARKER TESTS
// =============================================================================

func TestApplyThinkingMarker_TargetsLastUser(t *testing.T) {
	conv := []model.Message{
		model.NewUserMessage("a"),
		model.NewAssistantMessage("b"),
		model.NewUserMessage("c"),
	}

	out := ApplyThinkingMarker(conv, false)

	assert.Equal(t, "a", out[0].Content)
	assert.Equal(t, "b", out[1].Content)
	assert.Equal(t, "/no_think c", out[2].Content)
	assert.Equal(t, "c", conv[2].Content, "input must not be modified")
}

func TestApplyThinkingMarker_LastUserNotLastMessage(t *testing.T) {
	conv := []model.Message{
		model.NewUserMessage("a"),
		model.NewAssistantMessage("b"),
	}

	out := ApplyThinkingMarker(conv, false)
	assert.Equal(t, "/no_think a", out[0].Content)
	assert.Equal(t, "b", out[1].Content)
}

func TestApplyThinkingMarker_NoUserMessage(t *testing.T) {
	conv := []model.Message{
		model.NewSystemMessage("s"),
		model.NewAssistantMessage("b"),
	}

	out := ApplyThinkingMarker(conv, false)
	assert.Equal(t, conv, out)
}

func TestApplyThinkingMarker_IncludeThinking(t *testing.T) {
	conv := []model.Message{model.NewUserMessage("a")}
	out := ApplyThinkingMarker(conv, true)
	assert.Equal(t, "a", out[0].Content)
}

func TestApplyThinkingMarker_StructuredContentSkipped(t *testing.T) {
	conv := []model.Message{
		model.NewUserMessage("a"),
		{Role: model.RoleUser, Content: "parts", Structured: true},
	}

	out := ApplyThinkingMarker(conv, false)

	assert.Equal(t, "a", out[0].Content, "scan stops at the last user message")
	assert.Equal(t, "parts", out[1].Content)
}

// =============================================================================
// COMPOSE TESTS
// =============================================================================

func TestCompose(t *testing.T) {
	conv := []model.Message{
		model.NewUserMessage("hello"),
	}
	opts := model.ChatOptions{
		SelectedModel:   "m",
		SystemPrompt:    "You are a helpful assistant.",
		IncludeThinking: model.Bool(false),
	}

	out := Compose(conv, opts)

	require.Len(t, out, 2)
	assert.Equal(t, model.NewSystemMessage("You are a helpful assistant."), out[0])
	assert.Equal(t, "/no_think hello", out[1].Content)
}

func TestCompose_Defaults(t *testing.T) {
	conv := []model.Message{model.NewUserMessage("hello")}
	out := Compose(conv, model.ChatOptions{SelectedModel: "m"})
	assert.Equal(t, conv, out)
}
