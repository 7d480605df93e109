package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatvault/internal/util"
	"chatvault/pkg/domain"
	"chatvault/pkg/store"
)

func newEnqueueCmd(opts *options) *cobra.Command {
	var owner, chatID, name string
	cmd := &cobra.Command{
		Use:   "enqueue <archive.zip>",
		Short: "Queue an archive on the importer service",
		Long:  "The archive path must be readable by the importer service.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newImporterClient(opts.importerURL, opts.secret)
			if err != nil {
				return err
			}
			archivePath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(chatID) == "" {
				chatID = util.NewID()
			}
			job, err := client.Enqueue(cmd.Context(), enqueueRequest{
				OwnerID:     owner,
				ChatID:      chatID,
				ArchivePath: archivePath,
				ChatName:    name,
			})
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "chat id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "chat display name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	var wait bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show an import job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newImporterClient(opts.importerURL, opts.secret)
			if err != nil {
				return err
			}
			job, err := waitForJob(cmd.Context(), client, args[0], wait, interval)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job is completed or failed")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	return cmd
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of an import job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newImporterClient(opts.importerURL, opts.secret)
			if err != nil {
				return err
			}
			job, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job.State.Terminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "job already %s\n", job.State)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newReprocessCmd(opts *options) *cobra.Command {
	var archivePath, owner, databaseURL string
	cmd := &cobra.Command{
		Use:   "reprocess <chat-id>",
		Short: "Re-import an existing chat from its archive",
		Long: "Queues a fresh import for a chat that already exists. The new messages and media " +
			"supersede the stored ones once the import completes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID := args[0]
			if databaseURL != "" {
				chat, err := lookupChat(cmd.Context(), databaseURL, chatID)
				if err != nil {
					return err
				}
				if owner == "" {
					owner = chat.OwnerID
				}
			}
			if archivePath == "" {
				return errors.New("--archive is required")
			}
			if owner == "" {
				return errors.New("--owner is required without --database-url")
			}
			abs, err := filepath.Abs(archivePath)
			if err != nil {
				return err
			}
			client, err := newImporterClient(opts.importerURL, opts.secret)
			if err != nil {
				return err
			}
			job, err := client.Enqueue(cmd.Context(), enqueueRequest{OwnerID: owner, ChatID: chatID, ArchivePath: abs})
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().StringVar(&archivePath, "archive", "", "archive to import")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id (read from the database when omitted)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "postgres DSN used to look up the chat")
	return cmd
}

func lookupChat(ctx context.Context, databaseURL, chatID string) (domain.Chat, error) {
	gormStore, err := store.NewGormStore(databaseURL)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("init postgres store: %w", err)
	}
	defer gormStore.Close()
	chat, ok, err := gormStore.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !ok {
		return domain.Chat{}, fmt.Errorf("chat %s not found", chatID)
	}
	return chat, nil
}

func waitForJob(ctx context.Context, client *importerClient, id string, wait bool, interval time.Duration) (domain.ImportJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		job, err := client.GetJob(ctx, id)
		if err != nil || !wait || job.State.Terminal() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printJob(out io.Writer, job domain.ImportJob) {
	fmt.Fprintf(out, "job:       %s\n", job.ID)
	fmt.Fprintf(out, "chat:      %s (owner %s)\n", job.ChatID, job.OwnerID)
	fmt.Fprintf(out, "state:     %s %d%%\n", job.State, job.Progress)
	fmt.Fprintf(out, "attempts:  %d\n", job.Attempts)
	if job.CancelRequested {
		fmt.Fprintln(out, "cancel:    requested")
	}
	if job.LastError != "" {
		fmt.Fprintf(out, "error:     %s\n", job.LastError)
	}
}
