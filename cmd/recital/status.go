package main

import (
	"context"
	"fmt"
	"time"

	"github.com/recitalhq/recital/internal/config"
	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/storeclient"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		lessonID   string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a recording session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" && lessonID == "" {
				return fmt.Errorf("either --session or --lesson is required")
			}
			return runStatus(cmd, configPath, sessionID, lessonID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "recital.yaml", "path to Recital config file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID to inspect")
	cmd.Flags().StringVarP(&lessonID, "lesson", "l", "", "lesson whose active session to inspect")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath, sessionID, lessonID string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	client, err := storeclient.New(storeclient.Opts{BaseURL: cfg.Server.BaseURL})
	if err != nil {
		return err
	}

	var sess *models.RecordingSession
	if sessionID != "" {
		sess, err = client.GetSession(ctx, sessionID)
	} else {
		sess, err = client.GetActiveSessionForLesson(ctx, cfg.Owner, lessonID)
	}
	if err != nil {
		return err
	}
	if sess == nil {
		fmt.Fprintln(out, "No session found")
		return nil
	}

	fmt.Fprintf(out, "Session:   %s\n", sess.SessionID)
	fmt.Fprintf(out, "Owner:     %s\n", sess.OwnerID)
	if sess.LessonID != "" {
		fmt.Fprintf(out, "Lesson:    %s\n", sess.LessonID)
	}
	fmt.Fprintf(out, "Status:    %s\n", sess.Status)
	fmt.Fprintf(out, "Active:    %t\n", sess.IsActive)
	fmt.Fprintf(out, "Fragments: %d\n", sess.FragmentsCount)
	fmt.Fprintf(out, "Duration:  %s\n", time.Duration(sess.TotalDurationMs)*time.Millisecond)
	if sess.FinalAudioKey != "" {
		fmt.Fprintf(out, "Recording: %s\n", sess.FinalAudioKey)
		if url, err := client.DownloadURL(ctx, sess.SessionID); err == nil {
			fmt.Fprintf(out, "Download:  %s\n", url)
		}
	}
	if sess.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", sess.Error)
	}
	return nil
}
