package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/recitalhq/recital/internal/config"
	"github.com/recitalhq/recital/internal/finalizer"
	"github.com/recitalhq/recital/internal/notify"
	"github.com/recitalhq/recital/internal/storage"
	"github.com/recitalhq/recital/internal/store"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the finalization worker",
		Long:  "Claims submitted sessions, concatenates their fragments with ffmpeg, and stores the final recording.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "recital.yaml", "path to Recital config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	blobs, err := storage.NewLocal(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "local"
	}
	worker, err := finalizer.New(finalizer.Opts{
		Store:         store.NewService(gormDB),
		Blobs:         blobs,
		WorkerID:      fmt.Sprintf("worker-%s-%d", hostname, os.Getpid()),
		PollInterval:  cfg.Worker.PollInterval,
		FfmpegBin:     cfg.Worker.FfmpegBin,
		SweepSchedule: cfg.Worker.SweepSchedule,
		SweepGrace:    cfg.Worker.SweepGrace,
		Notifier:      notifier,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return worker.Run(ctx, cmd.OutOrStdout())
}

// buildNotifier assembles the configured notification fan-out. With
// nothing configured it returns nil and the worker stays silent.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.Command != "" {
		multi = append(multi, notify.NewCommandNotifier(notify.CommandConfig{Command: cfg.Command}))
	}
	if cfg.SlackToken != "" || cfg.SlackChannel != "" {
		slack, err := notify.NewSlackNotifier(notify.SlackOpts{
			Token:     cfg.SlackToken,
			ChannelID: cfg.SlackChannel,
		})
		if err != nil {
			return nil, err
		}
		multi = append(multi, slack)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}
