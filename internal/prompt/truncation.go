// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"fmt"

	"github.com/jeranaias/chatrelay/internal/model"
)

// =============================================================================
// TRUNCATION TYPES
// =============================================================================

// BudgetTruncator drops messages from the middle of a conversation until its
// estimated cost fits a token budget.
type BudgetTruncator struct {
	counter TokenCounter
}

// TruncateResult holds the truncated conversation and what was removed.
type TruncateResult struct {
	// Messages is the surviving conversation in original order
	Messages []model.Message

	// WasTruncated indicates if any message was dropped
	WasTruncated bool

	// TotalMessages is the message count before truncation
	TotalMessages int

	// DroppedIndices are the original positions of the removed messages,
	// in removal order
	DroppedIndices []int

	// TokensBefore and TokensAfter are the estimated totals
	TokensBefore int
	TokensAfter  int

	// Budget is the usable budget the result was fitted to
	Budget int
}

// =============================================================================
// CONSTRUCTOR
// =============================================================================

// NewBudgetTruncator creates a truncator. A nil counter uses NewEstimator.
func NewBudgetTruncator(counter TokenCounter) *BudgetTruncator {
	if counter == nil {
		counter = NewEstimator()
	}
	return &BudgetTruncator{counter: counter}
}

// =============================================================================
// TRUNCATION METHODS
// =============================================================================

// Truncate fits conv into budget.Usable().
//
// Costs are computed once per message. While the running total exceeds the
// budget, the message at index len(conv)/2 is removed, with the index fixed to
// the original length. Once that index runs past the end of the shrinking
// list the last message is removed instead. The loop runs at most len(conv)
// times and may end with an empty list.
func (bt *BudgetTruncator) Truncate(conv []model.Message, budget model.TokenBudget) *TruncateResult {
	usable := budget.Usable()
	costs := make([]int, len(conv))
	total := 0
	for i, m := range conv {
		costs[i] = bt.counter.Message(m)
		total += costs[i]
	}

	result := &TruncateResult{
		Messages:      conv,
		TotalMessages: len(conv),
		TokensBefore:  total,
		TokensAfter:   total,
		Budget:        usable,
	}
	if total <= usable {
		return result
	}

	working := model.Clone(conv)
	origIndex := make([]int, len(conv))
	for i := range origIndex {
		origIndex[i] = i
	}

	middle := len(conv) / 2
	for total > usable && len(working) > 0 {
		idx := middle
		if idx >= len(working) {
			idx = len(working) - 1
		}

		total -= costs[idx]
		result.DroppedIndices = append(result.DroppedIndices, origIndex[idx])

		working = append(working[:idx], working[idx+1:]...)
		costs = append(costs[:idx], costs[idx+1:]...)
		origIndex = append(origIndex[:idx], origIndex[idx+1:]...)
	}

	result.Messages = working
	result.WasTruncated = true
	result.TokensAfter = total
	return result
}

// =============================================================================
// RESULT METHODS
// =============================================================================

// Dropped returns the number of removed messages.
func (tr *TruncateResult) Dropped() int {
	return len(tr.DroppedIndices)
}

// TokensSaved returns the estimated tokens removed.
func (tr *TruncateResult) TokensSaved() int {
	return tr.TokensBefore - tr.TokensAfter
}

// FitsBudget reports whether the surviving messages are within the budget.
func (tr *TruncateResult) FitsBudget() bool {
	return tr.TokensAfter <= tr.Budget
}

// Summary returns a human-readable description of the truncation.
func (tr *TruncateResult) Summary() string {
	if !tr.WasTruncated {
		return ""
	}
	return fmt.Sprintf("Dropped %d of %d messages (saved ~%d tokens)",
		tr.Dropped(), tr.TotalMessages, tr.TokensSaved())
}
