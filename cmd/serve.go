package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-eml/config"
	"github.com/dhcgn/mbox-to-eml/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload form and conversion API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServeConfig(cmd)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg.Common)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)

		s, err := server.New(server.Options{
			MaxUploadBytes: cfg.MaxUploadBytes,
			Workers:        cfg.Workers,
			Filter:         cfg.Filter,
		}, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return s.ListenAndServe(ctx, cfg.Addr)
	},
}

func init() {
	config.RegisterServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}
