// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

const (
	// DefaultTokenLimit is used when no limit is configured.
	DefaultTokenLimit = 4096

	// ReservedResponseTokens is held back for the model's reply regardless
	// of the configured limit.
	ReservedResponseTokens = 512
)

// TokenBudget bounds the estimated size of a composed prompt.
type TokenBudget struct {
	Limit    int `json:"limit"`
	Reserved int `json:"reserved"`
}

// NewTokenBudget returns a budget with the standard reply reservation.
// A non-positive limit falls back to DefaultTokenLimit.
func NewTokenBudget(limit int) TokenBudget {
	if limit <= 0 {
		limit = DefaultTokenLimit
	}
	return TokenBudget{Limit: limit, Reserved: ReservedResponseTokens}
}

// Usable returns the number of tokens the prompt may occupy.
// The result is negative when the reservation exceeds the limit.
func (b TokenBudget) Usable() int {
	return b.Limit - b.Reserved
}
