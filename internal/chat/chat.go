// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat runs the request pipeline for a single chat turn: role
// filtering, prompt composition, budget truncation, model resolution and the
// backend stream.
package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/inference"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/prompt"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Request is the body of a chat call.
//
// Options normally arrive under "chatOptions"; older clients send the same
// fields at the top level, which the embedded ChatOptions picks up.
type Request struct {
	Messages []model.Message   `json:"messages"`
	Options  *model.ChatOptions `json:"chatOptions,omitempty"`

	model.ChatOptions
}

// ResolvedOptions returns the nested options when present, else the
// top-level ones.
func (r Request) ResolvedOptions() model.ChatOptions {
	if r.Options != nil {
		return *r.Options
	}
	return r.ChatOptions
}

// Prepared is a request after shaping, ready to send to the backend.
type Prepared struct {
	Model      string
	Messages   []model.Message
	Options    model.ChatOptions
	Truncation *prompt.TruncateResult

	// Ignored counts messages dropped at the boundary: unknown roles and
	// system messages that are not first.
	Ignored int
}

// ChatRequest converts p into a backend request.
func (p *Prepared) ChatRequest() inference.ChatRequest {
	return inference.ChatRequest{
		Model:       p.Model,
		Messages:    p.Messages,
		Temperature: p.Options.Temperature,
		TopP:        p.Options.TopP,
		TopK:        p.Options.TopK,
		MinP:        p.Options.MinP,
	}
}

// Settings is what the UI needs to know about the server's limits.
type Settings struct {
	TokenLimit int `json:"tokenLimit"`
}

// Backend probe results reported by BackendStatus.
const (
	BackendOK            = "ok"
	BackendOffline       = "offline"
	BackendNotConfigured = "not_configured"
)

// =============================================================================
// SERVICE
// =============================================================================

// Streamer is the part of the inference client the service needs.
type Streamer interface {
	StreamChat(ctx context.Context, req inference.ChatRequest) (<-chan inference.Event, error)
	ListModels(ctx context.Context) (*inference.ModelList, error)
	CheckRunning(ctx context.Context) error
	IsConfigured() bool
}

// Service shapes and forwards chat requests. It holds no per-request state
// and is safe for concurrent use.
type Service struct {
	cfg       config.Config
	backend   Streamer
	truncator *prompt.BudgetTruncator
	logger    *slog.Logger
}

// NewService creates a service. A nil logger discards output.
func NewService(cfg config.Config, backend Streamer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:       cfg,
		backend:   backend,
		truncator: prompt.NewBudgetTruncator(prompt.NewEstimator()),
		logger:    logger,
	}
}

// NewClient builds the inference client described by cfg.
func NewClient(cfg config.Config) *inference.Client {
	return inference.NewClientWithConfig(&inference.ClientConfig{
		BaseURL:       cfg.Backend.URL,
		APIKey:        cfg.Backend.APIKey,
		ModelsTimeout: cfg.Backend.ModelsTimeout,
	})
}

// Budget returns the token budget prompts are fitted to.
func (s *Service) Budget() model.TokenBudget {
	return s.cfg.TokenBudget()
}

// Settings returns the client-visible settings.
func (s *Service) Settings() Settings {
	return Settings{TokenLimit: s.Budget().Limit}
}

// Prepare shapes req without contacting the backend.
//
// Configuration problems are reported first so that a misconfigured server
// fails the same way regardless of the request body.
func (s *Service) Prepare(req Request) (*Prepared, error) {
	if !s.backend.IsConfigured() {
		return nil, inference.ErrNotConfigured
	}

	opts := req.ResolvedOptions()
	modelID := s.resolveModel(opts.SelectedModel)
	if modelID == "" {
		return nil, inference.ErrModelNotSelected
	}

	conv, ignored := s.filterRoles(req.Messages)
	composed := prompt.Compose(conv, opts)
	result := s.truncator.Truncate(composed, s.Budget())

	if result.WasTruncated {
		s.logger.Info("PROMPT_TRUNCATED",
			"dropped", result.Dropped(),
			"total", result.TotalMessages,
			"tokens_before", result.TokensBefore,
			"tokens_after", result.TokensAfter,
			"budget", result.Budget,
		)
	}

	return &Prepared{
		Model:      modelID,
		Messages:   result.Messages,
		Options:    opts,
		Truncation: result,
		Ignored:    ignored,
	}, nil
}

// Stream prepares req and opens the backend stream. Errors returned here
// happened before any output and are safe to report as a plain response.
func (s *Service) Stream(ctx context.Context, req Request) (*Prepared, <-chan inference.Event, error) {
	prepared, err := s.Prepare(req)
	if err != nil {
		return nil, nil, err
	}

	events, err := s.backend.StreamChat(ctx, prepared.ChatRequest())
	if err != nil {
		var ie *inference.Error
		if errors.As(err, &ie) && ie.Kind == inference.KindRejected {
			s.logger.Warn("BACKEND_REJECTED", "status", ie.Status, "model", prepared.Model, "error", ie.Message)
		}
		return prepared, nil, err
	}
	return prepared, events, nil
}

// ListModels returns the models to offer the UI. A pinned backend.model is
// returned without contacting the backend.
func (s *Service) ListModels(ctx context.Context) (*inference.ModelList, error) {
	if s.cfg.Backend.Model != "" {
		return inference.SingleModelList(s.cfg.Backend.Model), nil
	}
	if !s.backend.IsConfigured() {
		return nil, inference.ErrNotConfigured
	}
	return s.backend.ListModels(ctx)
}

// BackendStatus probes the backend for health reporting.
func (s *Service) BackendStatus(ctx context.Context) string {
	if !s.backend.IsConfigured() {
		return BackendNotConfigured
	}
	if err := s.backend.CheckRunning(ctx); err != nil {
		return BackendOffline
	}
	return BackendOK
}

func (s *Service) resolveModel(selected string) string {
	if selected != "" {
		return selected
	}
	return s.cfg.Backend.Model
}

// filterRoles drops messages whose role is not system, user or assistant and
// normalizes the rest. A system message is kept only as the first element;
// later ones are dropped so the composed prompt has at most one.
func (s *Service) filterRoles(conv []model.Message) ([]model.Message, int) {
	kept := make([]model.Message, 0, len(conv))
	ignored := 0
	for i, m := range conv {
		role, err := model.ParseRole(string(m.Role))
		if err != nil {
			ignored++
			s.logger.Warn("MESSAGE_ROLE_IGNORED", "index", i, "role", string(m.Role))
			continue
		}
		if role == model.RoleSystem && len(kept) > 0 {
			ignored++
			s.logger.Warn("SYSTEM_MESSAGE_IGNORED", "index", i)
			continue
		}
		m.Role = role
		kept = append(kept, m)
	}
	return kept, ignored
}
