// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/logging"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/config"
)

func newServeCmd() *cobra.Command {
	var configPath, envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Long: `serve loads the configuration (defaults, the optional .env file, the YAML
file, then DIAGRAMGATE_* environment variables) and runs the gateway until
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := runServe(ctx, cfg); err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "diagramgate",
		Format:  logging.Format(cfg.Log.Format),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := gateway.New(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	if err := svc.Run(ctx); err != nil {
		slog.Error("Gateway stopped with error", "error", err)
		return err
	}
	slog.Info("Gateway stopped")
	return nil
}
