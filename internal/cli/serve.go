// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/chatrelay/internal/server"
)

// shutdownGrace bounds how long in-flight streams may drain on shutdown.
const shutdownGrace = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Long: `Run the HTTP relay until SIGINT or SIGTERM.

On shutdown the listener closes at once and in-flight streams get up to 10s
to finish.

Examples:
  chatrelay serve
  chatrelay serve --addr 0.0.0.0:8787
  VLLM_URL=http://gpu:8000 VLLM_MODEL=qwen3 chatrelay serve`,
		Args:        cobra.NoArgs,
		Annotations: configured,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve runs the server until ctx ends, then drains it.
func (a *app) serve(ctx context.Context) error {
	if a.cfg.Backend.URL == "" {
		a.logger.Warn("BACKEND_NOT_CONFIGURED", "hint", "set VLLM_URL; chat requests will fail until then")
	}

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}

	srv := server.New(*a.cfg, a.service(), a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
