package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatvault/internal/util"
	"chatvault/pkg/domain"
	"chatvault/pkg/importer"
	"chatvault/pkg/storage"
	"chatvault/pkg/store"
	"chatvault/pkg/thumbnail"
)

type importOptions struct {
	owner       string
	chatID      string
	name        string
	databaseURL string
	mediaDir    string
	scratchDir  string
	timezone    string
	ffmpegPath  string
	thumbWidth  int
	preview     int
	asJSON      bool
}

func newImportCmd() *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import <archive.zip>",
		Short: "Import an export archive in-process",
		Long: "Runs the full import pipeline locally. Without --database-url the result is kept in memory " +
			"and only summarized; media files are written below --media-dir either way.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.owner, "owner", "local", "owner user id")
	cmd.Flags().StringVar(&opts.chatID, "chat-id", "", "chat id (generated when empty)")
	cmd.Flags().StringVar(&opts.name, "name", "", "chat display name (derived from the transcript when empty)")
	cmd.Flags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres DSN; in-memory when empty")
	cmd.Flags().StringVar(&opts.mediaDir, "media-dir", "data/media", "directory for stored media")
	cmd.Flags().StringVar(&opts.scratchDir, "scratch-dir", "", "scratch directory for extraction")
	cmd.Flags().StringVar(&opts.timezone, "timezone", "UTC", "zone transcript times are read in")
	cmd.Flags().StringVar(&opts.ffmpegPath, "ffmpeg", "ffmpeg", "ffmpeg binary for video thumbnails")
	cmd.Flags().IntVar(&opts.thumbWidth, "thumbnail-width", thumbnail.DefaultWidth, "thumbnail width in pixels")
	cmd.Flags().IntVar(&opts.preview, "preview", 0, "print the first N imported messages")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	return cmd
}

func runImport(ctx context.Context, out io.Writer, archivePath string, opts *importOptions) error {
	absArchive, err := filepath.Abs(archivePath)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(opts.timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", opts.timezone, err)
	}

	var dataStore store.Store
	if opts.databaseURL != "" {
		gormStore, err := store.NewGormStore(opts.databaseURL)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		defer gormStore.Close()
		dataStore = gormStore
	} else {
		dataStore = store.NewMemoryStore()
	}
	media, err := storage.NewFileStore(opts.mediaDir)
	if err != nil {
		return err
	}

	chatID := strings.TrimSpace(opts.chatID)
	if chatID == "" {
		chatID = util.NewID()
	}
	chat, ok, err := dataStore.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		now := time.Now().UTC()
		chat = domain.Chat{
			ID:               chatID,
			OwnerID:          opts.owner,
			Name:             strings.TrimSuffix(filepath.Base(absArchive), filepath.Ext(absArchive)),
			OriginalFilename: filepath.Base(absArchive),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}
	chat.Status = domain.ChatQueued
	if err := dataStore.SaveChat(ctx, chat); err != nil {
		return err
	}

	pipeline, err := importer.New(importer.Config{
		Gateway:    dataStore,
		Media:      media,
		Thumbnails: thumbnail.NewDeriver(opts.thumbWidth, 0, opts.ffmpegPath, 0, 0),
		ScratchDir: opts.scratchDir,
		Location:   loc,
	})
	if err != nil {
		return err
	}
	progress := importer.ReporterFunc(func(_ context.Context, state domain.ImportState, percent int) error {
		if !opts.asJSON {
			fmt.Fprintf(out, "[%3d%%] %s\n", percent, state)
		}
		return nil
	})
	res, err := pipeline.Run(ctx, importer.Task{
		OwnerID:     chat.OwnerID,
		ChatID:      chatID,
		ArchivePath: absArchive,
		ChatName:    opts.name,
	}, progress)
	if err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ChatID string `json:"chatId"`
			importer.Result
		}{chatID, res})
	}
	fmt.Fprintf(out, "chat:      %s (%s)\n", res.ChatName, chatID)
	fmt.Fprintf(out, "messages:  %d (%d lines skipped)\n", res.MessageCount, res.Skipped)
	fmt.Fprintf(out, "media:     %d stored, %d missing, %d thumbnails\n", res.MediaCount, res.MissingMedia, res.Thumbnails)
	owner := res.Owner.Owner
	if owner == "" {
		owner = "(unknown)"
	}
	fmt.Fprintf(out, "owner:     %s via %s", owner, res.Owner.Strategy)
	if res.Owner.LowConfidence {
		fmt.Fprint(out, " (low confidence)")
	}
	fmt.Fprintln(out)

	if opts.preview > 0 {
		msgs, err := dataStore.ListMessages(ctx, chatID, opts.preview)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(m))
		}
	}
	return nil
}

func formatMessage(m domain.RawMessage) string {
	sender := m.SenderName
	if m.IsSystem() {
		sender = "*"
	} else if m.Owner {
		sender += " (me)"
	}
	body := strings.ReplaceAll(m.Body, "\n", " / ")
	if m.MediaFilename != "" {
		body = strings.TrimSpace(body + " [" + m.MediaFilename + "]")
	}
	return fmt.Sprintf("%s  %-7s %s: %s", m.Timestamp.Format("2006-01-02 15:04"), m.Type, sender, body)
}
