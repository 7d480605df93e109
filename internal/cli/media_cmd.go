package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"chatvault/pkg/storage"
)

func newMediaURLCmd() *cobra.Command {
	var backend, mediaDir string
	var expiry time.Duration
	cmd := &cobra.Command{
		Use:   "media-url <storage-key>",
		Short: "Print a URL for a stored media object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var media storage.MediaStore
			switch backend {
			case "filesystem":
				files, err := storage.NewFileStore(mediaDir)
				if err != nil {
					return err
				}
				media = files
			case "minio":
				useSSL, _ := strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))
				objects, err := storage.NewMinioStore(
					os.Getenv("MINIO_ENDPOINT"),
					os.Getenv("MINIO_ACCESS_KEY"),
					os.Getenv("MINIO_SECRET_KEY"),
					os.Getenv("MINIO_BUCKET"),
					useSSL,
				)
				if err != nil {
					return err
				}
				media = objects
			default:
				return fmt.Errorf("unknown backend %q (filesystem or minio)", backend)
			}
			u, err := media.URL(cmd.Context(), args[0], expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", envOr("CHATVAULT_MEDIA_BACKEND", "filesystem"), "media backend (filesystem or minio)")
	cmd.Flags().StringVar(&mediaDir, "media-dir", envOr("CHATVAULT_MEDIA_DIR", "data/media"), "media directory for the filesystem backend")
	cmd.Flags().DurationVar(&expiry, "expiry", 15*time.Minute, "presigned URL lifetime for the minio backend")
	return cmd
}
