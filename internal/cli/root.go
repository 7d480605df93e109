package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatvault/internal/util"
)

// options shared by every command.
type options struct {
	logLevel    string
	importerURL string
	secret      string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "chatvault",
		Short: "Import and manage chat-export archives",
		Long:  "chatvault imports WhatsApp-style chat exports locally or through the importer service.",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger, _ := util.InitLogger(opts.logLevel, "chatvault", "")
			cmd.SetContext(util.ContextWithLogger(cmd.Context(), logger))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.importerURL, "importer-url", envOr("CHATVAULT_IMPORTER_URL", "http://localhost:8086"), "importer service base URL")
	cmd.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("CHATVAULT_INTERNAL_JWT_SECRET"), "internal service token secret")

	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newEnqueueCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newCancelCmd(opts))
	cmd.AddCommand(newReprocessCmd(opts))
	cmd.AddCommand(newMediaURLCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
