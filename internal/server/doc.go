// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server hosts the chat relay over HTTP.
//
// # Endpoints
//
//   - POST /api/chat     - shape the conversation and stream the reply as AI SDK data stream parts
//   - GET  /api/models   - models served by the backend (or the pinned model)
//   - GET  /api/settings - client-visible settings such as the token limit
//   - GET  /health       - liveness plus backend reachability
//   - GET  /stats        - request counters
//
// # Middleware
//
// Outermost first: panic recovery, request ids, security headers, request
// logging, CORS, bearer token / IP allowlist auth, and per-client rate
// limiting. Every error response is JSON of the form
//
//	{"success":false,"error":"...","category":"..."}
//
// # Usage
//
//	svc := chat.NewService(cfg, chat.NewClient(cfg), logger)
//	srv := server.New(cfg, svc, logger)
//	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
//		return err
//	}
package server
