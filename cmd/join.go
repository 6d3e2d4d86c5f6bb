package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-eml/archive"
	"github.com/dhcgn/mbox-to-eml/config"
	"github.com/dhcgn/mbox-to-eml/convert"
	"github.com/dhcgn/mbox-to-eml/manifest"
	"github.com/dhcgn/mbox-to-eml/model"
	"github.com/dhcgn/mbox-to-eml/runner"
	"github.com/dhcgn/mbox-to-eml/stats"
)

var joinCmd = &cobra.Command{
	Use:   "join [eml file|directory|zip archive|mbox file...]",
	Short: "Fold .eml messages into a single mbox file",
	Long: `join writes all given messages, in argument order, into one mbox file.
Directories contribute their .eml files sorted by name, zip archives their .eml
entries in archive order and mbox files all of their messages.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadJoinConfig(cmd, args)
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
		logger.Info("starting join", "inputs", len(cfg.Inputs), "output", cfg.Output)

		return runJoin(cmd.Context(), cfg, logger)
	},
}

func init() {
	config.RegisterJoinFlags(joinCmd)
	rootCmd.AddCommand(joinCmd)
}

func runJoin(ctx context.Context, cfg config.JoinConfig, logger *slog.Logger) error {
	r := runner.New(runner.Options{Workers: cfg.Workers}, logger)
	reporter := stats.NewReporter(r, logger)

	err := joinAndStore(ctx, r, cfg)
	if closeErr := r.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	logger.Info("join done", "output", cfg.Output, "messages", reporter.Summary().Joined)
	return nil
}

func joinAndStore(ctx context.Context, r *runner.Runner, cfg config.JoinConfig) error {
	messages, err := collectMessages(ctx, r, cfg.Inputs)
	if err != nil {
		return err
	}

	if cfg.Manifest != "" {
		records, err := manifest.Load(cfg.Manifest)
		if err != nil {
			return err
		}
		if messages, err = manifest.Order(records, messages); err != nil {
			return fmt.Errorf("apply manifest: %w", err)
		}
	}

	h, err := convert.Lookup(convert.ExtEML, convert.ExtMbox)
	if err != nil {
		return err
	}
	out, err := h(ctx, r, messages)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(cfg.Output, out[0].Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cfg.Output, err)
	}
	return nil
}

// collectMessages expands the join arguments into messages, keeping argument order.
func collectMessages(ctx context.Context, r *runner.Runner, paths []string) ([]model.File, error) {
	var messages []model.File
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		if info.IsDir() {
			found, err := readMessageDir(p)
			if err != nil {
				return nil, err
			}
			messages = append(messages, found...)
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}

		switch convert.Ext(p) {
		case convert.ExtZip:
			entries, err := archive.Read(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			for _, e := range entries {
				if archive.IsMessage(e.Name) {
					messages = append(messages, e)
				}
			}
		case convert.ExtMbox:
			split, err := r.SplitAll(ctx, []model.File{{Name: p, Data: data}})
			if err != nil {
				return nil, err
			}
			messages = append(messages, split...)
		default:
			messages = append(messages, model.File{Name: p, Data: data})
		}
	}
	return messages, nil
}

func readMessageDir(dir string) ([]model.File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var messages []model.File
	for _, e := range entries {
		if e.IsDir() || !archive.IsMessage(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		messages = append(messages, model.File{Name: path, Data: data})
	}
	return messages, nil
}
