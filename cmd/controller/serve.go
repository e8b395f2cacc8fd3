package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evolution-engine/internal/config"
	"github.com/danielpatrickdp/evolution-engine/internal/daemon"
	"github.com/danielpatrickdp/evolution-engine/internal/logging"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the evolution daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger, closer, err := logging.NewLogger(cfg.Logging, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := daemon.New(ctx, cfg, logger)
		if err != nil {
			logger.Error("startup failed", "error", err)
			return err
		}
		addr, err := d.Listen()
		if err != nil {
			_ = d.Shutdown(context.Background())
			return err
		}
		logger.Info("evolution daemon ready", "api", addr.String(), "boot", d.BootSource,
			"version", d.Engine.State().Version)

		if err := d.Run(ctx); err != nil {
			logger.Error("daemon stopped", "error", err)
			return err
		}
		logger.Info("daemon stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("EVOLVE_CONFIG"), "YAML or JSON config file")
}
