// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt shapes a raw conversation into a budget-constrained prompt.
package prompt

import (
	"unicode"

	"github.com/jeranaias/chatrelay/internal/model"
)

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

const (
	// DefaultMessageOverhead approximates the role and separator tokens a
	// chat template adds around every message.
	DefaultMessageOverhead = 4

	// DefaultRunesPerToken is how many word runes share a token after the
	// first one in a word.
	DefaultRunesPerToken = 4
)

// TokenCounter estimates the token cost of a single message.
type TokenCounter interface {
	Message(m model.Message) int
}

// Estimator is an approximate, deterministic token counter.
//
// The count is additive over the content: every rune contributes an amount
// that depends only on the rune and the one before it. Appending text can
// therefore never lower an estimate.
type Estimator struct {
	messageOverhead int
	runesPerToken   int
}

// NewEstimator creates an estimator with the default weights.
func NewEstimator() *Estimator {
	return &Estimator{
		messageOverhead: DefaultMessageOverhead,
		runesPerToken:   DefaultRunesPerToken,
	}
}

// Text returns the estimated token count of s.
//
//   - the first rune of each word (letters, digits) counts 1
//   - each further runesPerToken runes inside a word count 1
//   - each CJK ideograph, kana or hangul rune counts 1
//   - each punctuation or symbol rune counts 1
//   - whitespace and control runes are free
func (e *Estimator) Text(s string) int {
	count := 0
	inWord := false
	wordRunes := 0

	for _, r := range s {
		switch {
		case isLogographic(r):
			count++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r) || (inWord && unicode.IsMark(r)):
			if !inWord {
				inWord = true
				wordRunes = 1
				count++
				continue
			}
			wordRunes++
			if (wordRunes-1)%e.runesPerToken == 0 {
				count++
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			count++
			inWord = false
		default:
			inWord = false
		}
	}
	return count
}

// Message returns the estimated cost of m including the per-message overhead.
func (e *Estimator) Message(m model.Message) int {
	return e.messageOverhead + e.Text(m.Content)
}

// List returns the summed cost of every message in conv.
func (e *Estimator) List(conv []model.Message) int {
	total := 0
	for _, m := range conv {
		total += e.Message(m)
	}
	return total
}

// isLogographic reports whether r is written without word separators, in
// which case every rune is costed on its own.
func isLogographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
