// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the request-scoped data structures shared by the
// chat pipeline.
//
// # Key Types
//
//   - Message: a single turn with a Role and text content
//   - Role: message role enumeration (system, user, assistant)
//   - ChatOptions: per-request model selection and sampling parameters
//   - TokenBudget: token limit and the share reserved for the reply
//
// # Usage
//
//	conv := []model.Message{
//	    model.NewUserMessage("Hello!"),
//	}
//	budget := model.NewTokenBudget(4096)
//	fmt.Println(budget.Usable()) // 3584
package model
