package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recitalhq/recital/internal/storage"
	"github.com/recitalhq/recital/internal/store"
	"github.com/recitalhq/recital/internal/store/api"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session store API server",
		Long:  "Serves the session REST API, per-session event streams, and signed blob endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "recital.yaml", "path to Recital config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port <= 0 {
		port = cfg.Server.Port
	}

	blobs, err := storage.NewLocal(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	signer := storage.NewSigner(cfg.Server.SignSecret, cfg.Server.BaseURL, cfg.Storage.SignedURLTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return api.Start(ctx, api.StartOpts{
		Store:        store.NewService(gormDB),
		Blobs:        blobs,
		Signer:       signer,
		Port:         port,
		Out:          cmd.OutOrStdout(),
		PollInterval: time.Second,
	})
}
