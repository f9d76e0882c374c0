// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/chatrelay/internal/model"
)

func TestEstimator_Text(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		name string
		in   string
		want int
	}{
		{name: "empty", in: "", want: 0},
		{name: "whitespace only", in: " \n\t ", want: 0},
		{name: "single short word", in: "hi", want: 1},
		{name: "five letter word", in: "hello", want: 2},
		{name: "two words", in: "hi there", want: 3},
		{name: "punctuation", in: "hi!", want: 2},
		{name: "digits", in: "12345678", want: 2},
		{name: "cjk", in: "你好世界", want: 4},
		{name: "symbols", in: "a+b=c", want: 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.Text(tc.in))
		})
	}
}

func TestEstimator_MessageOverhead(t *testing.T) {
	e := NewEstimator()
	assert.Equal(t, DefaultMessageOverhead, e.Message(model.NewUserMessage("")))
	assert.Equal(t, DefaultMessageOverhead+1, e.Message(model.NewUserMessage("hi")))
}

func TestEstimator_Deterministic(t *testing.T) {
	e := NewEstimator()
	s := "The quick brown fox, 123 jumps! 日本語 over the lazy dog."
	first := e.Text(s)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Text(s))
	}
}

func TestEstimator_MonotonicOverPrefixes(t *testing.T) {
	e := NewEstimator()
	samples := []string{
		"The quick brown fox jumps over the lazy dog.",
		"a'b c-d e_f",
		"naïve café résumé",
		"混合 mixed テキスト 한국어 text!!",
		"```go\nfunc main() { fmt.Println(\"hi\") }\n```",
		strings.Repeat("supercalifragilistic ", 5),
	}

	for _, s := range samples {
		runes := []rune(s)
		prev := 0
		for i := 1; i <= len(runes); i++ {
			got := e.Text(string(runes[:i]))
			assert.GreaterOrEqual(t, got, prev, "estimate decreased at prefix %q", string(runes[:i]))
			prev = got
		}
	}
}

func TestEstimator_List(t *testing.T) {
	e := NewEstimator()
	conv := []model.Message{
		model.NewSystemMessage("be brief"),
		model.NewUserMessage("hello"),
	}
	assert.Equal(t, e.Message(conv[0])+e.Message(conv[1]), e.List(conv))
	assert.Zero(t, e.List(nil))
}
