package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recitalhq/recital/internal/config"
	"github.com/recitalhq/recital/internal/controller"
	"github.com/recitalhq/recital/internal/db"
	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/notify"
	"github.com/recitalhq/recital/internal/queue"
	"github.com/recitalhq/recital/internal/recorder"
	"github.com/recitalhq/recital/internal/store"
	"github.com/recitalhq/recital/internal/storeclient"
	"github.com/spf13/cobra"
)

func newRecordCmd() *cobra.Command {
	var (
		configPath string
		lessonID   string
		duration   time.Duration
		discard    bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a practice session against a running server",
		Long: "Runs a recording session end to end with the simulated capture device: " +
			"fragments are cut, uploaded, and registered while recording, then the session " +
			"is submitted and watched until the final recording is ready.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, configPath, lessonID, duration, discard)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "recital.yaml", "path to Recital config file")
	cmd.Flags().StringVarP(&lessonID, "lesson", "l", "", "lesson to record against (required)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to record before submitting")
	cmd.Flags().BoolVar(&discard, "discard", false, "discard the session instead of submitting it")
	cmd.MarkFlagRequired("lesson")
	return cmd
}

func runRecord(cmd *cobra.Command, configPath, lessonID string, duration time.Duration, discard bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := storeclient.New(storeclient.Opts{
		BaseURL:          cfg.Server.BaseURL,
		URLCacheFraction: cfg.Storage.URLCacheFraction,
	})
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return err
	}

	localDB, err := db.OpenLocal(cfg.Recorder.QueuePath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrateLocal(localDB); err != nil {
		return err
	}

	q, err := queue.New(queue.Opts{
		DB:        localDB,
		Blobs:     client.Blobs(),
		Registrar: client,
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.Upload.MaxAttempts,
			Backoff:     cfg.Upload.Backoff,
		},
		OnError: func(frag models.QueuedFragment, err error) {
			fmt.Fprintf(out, "Upload of fragment %d gave up: %v\n", frag.FragmentIndex, err)
			if notifier != nil {
				ev := notify.Event{
					SessionID: frag.SessionID,
					LessonID:  lessonID,
					Status:    "upload_failed",
					Reason:    err.Error(),
				}
				if nerr := notifier.Notify(context.Background(), ev); nerr != nil {
					fmt.Fprintf(out, "notify: %v\n", nerr)
				}
			}
		},
	})
	if err != nil {
		return err
	}

	dev, err := recorder.NewSimDevice(cfg.Recorder.FragmentDir)
	if err != nil {
		return err
	}

	done := make(chan string, 1)
	ctrl, err := controller.New(controller.Opts{
		Store:   client,
		Queue:   q,
		OwnerID: cfg.Owner,
		Device:  dev,
		Params: recorder.Params{
			Interval:           cfg.Recorder.Interval,
			Tolerance:          cfg.Recorder.Tolerance,
			MeteringPeriod:     cfg.Recorder.MeteringPeriod,
			SilenceThresholdDB: cfg.Recorder.SilenceThresholdDB,
		},
		OnCompleted: func(sessionID, finalAudioKey string) {
			done <- fmt.Sprintf("Recording ready: %s", finalAudioKey)
		},
		OnFailed: func(sessionID, reason string) {
			done <- fmt.Sprintf("Recording failed: %s", reason)
		},
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
		fmt.Fprintf(out, "\nReceived %s, stopping...\n", sig)
		cancel()
	}()

	// Uploads a crash left mid-flight go back to pending first.
	if err := q.Restore(ctx); err != nil {
		return err
	}
	q.Kick(ctx)

	if err := ctrl.Attach(ctx, lessonID); err != nil {
		return err
	}
	if rec := ctrl.RecoverableSession(); rec != nil {
		fmt.Fprintf(out, "Resuming interrupted session %s (%d fragments, %s)\n",
			rec.SessionID, rec.FragmentsCount, time.Duration(rec.TotalDurationMs)*time.Millisecond)
		if err := ctrl.RecoverSession(ctx); err != nil {
			return err
		}
		if ctrl.State() == controller.StatePaused {
			if err := ctrl.ResumeSession(ctx); err != nil {
				return err
			}
		}
	} else if ctrl.SessionID() != "" {
		fmt.Fprintf(out, "Session %s is already submitted; waiting for the result\n", ctrl.SessionID())
	} else {
		subject := store.SubjectMeta{LessonID: lessonID, UploadPurpose: "recitation"}
		if err := ctrl.StartSession(ctx, subject); err != nil {
			return err
		}
		fmt.Fprintf(out, "Recording session %s (lesson %s)\n", ctrl.SessionID(), lessonID)
	}

	sessionID := ctrl.SessionID()

	if ctrl.State() == controller.StateRecording {
		fmt.Fprintf(out, "Recording for %s...\n", duration)
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Interrupted; session %s stays recoverable\n", sessionID)
			return nil
		case <-time.After(duration):
		}

		if discard {
			if err := ctrl.DiscardSession(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Session %s discarded\n", sessionID)
			return nil
		}

		// Flush the queue before handing the session to the worker.
		q.Process(ctx)
		if err := ctrl.SubmitSession(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "Submitted session %s\n", sessionID)
	}

	updates, err := client.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	go ctrl.Run(ctx, updates)

	select {
	case <-ctx.Done():
		return nil
	case msg := <-done:
		fmt.Fprintln(out, msg)
	}
	return nil
}
