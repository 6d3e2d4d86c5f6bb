package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-eml/archive"
	"github.com/dhcgn/mbox-to-eml/config"
	"github.com/dhcgn/mbox-to-eml/convert"
	"github.com/dhcgn/mbox-to-eml/filter"
	"github.com/dhcgn/mbox-to-eml/imap"
	"github.com/dhcgn/mbox-to-eml/manifest"
	"github.com/dhcgn/mbox-to-eml/mbox"
	"github.com/dhcgn/mbox-to-eml/model"
	"github.com/dhcgn/mbox-to-eml/progress"
	"github.com/dhcgn/mbox-to-eml/runner"
	"github.com/dhcgn/mbox-to-eml/stats"
)

var splitCmd = &cobra.Command{
	Use:   "split [mbox file...]",
	Short: "Export every message of one or more mbox files as .eml",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadSplitConfig(cmd, args)
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
		logger.Info("starting split", "inputs", len(cfg.Inputs), "output", cfg.Output, "outputDir", cfg.OutputDir, "imap", cfg.IMAP.Enabled())

		return runSplit(cmd.Context(), cfg, logger)
	},
}

func init() {
	config.RegisterSplitFlags(splitCmd)
	rootCmd.AddCommand(splitCmd)
}

func runSplit(ctx context.Context, cfg config.SplitConfig, logger *slog.Logger) error {
	inputs, err := readFiles(cfg.Inputs)
	if err != nil {
		return err
	}

	f, err := filter.New(cfg.Filter)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	var uploader *imap.Uploader
	if cfg.IMAP.Enabled() {
		uploader, err = imap.NewUploader(imap.Options{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.User,
			Password:           cfg.IMAP.Pass,
			UseTLS:             cfg.IMAP.UseTLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			TargetFolder:       cfg.IMAP.TargetFolder,
			DryRun:             cfg.IMAP.DryRun,
		}, logger)
		if err != nil {
			return fmt.Errorf("imap.NewUploader: %w", err)
		}
	}

	total := 0
	for _, in := range inputs {
		n, err := mbox.Count(bytes.NewReader(in.Data))
		if err != nil {
			logger.Debug("message count unavailable", "name", in.Name, "err", err)
			continue
		}
		total += n
	}

	r := runner.New(runner.Options{Workers: cfg.Workers, Filter: f}, logger)
	reporter := stats.NewReporter(r, logger)
	bar := progress.New(total, "Splitting mbox files", cfg.LogLevel, stats.EventTypeExported, stats.EventTypeFiltered)
	progress.NewProgressReporter(r, bar, logger)

	files, err := splitAndStore(ctx, r, cfg, inputs, uploader)
	if closeErr := r.Close(); err == nil {
		err = closeErr
	}
	bar.Stop(err)
	if err != nil {
		return err
	}

	summary := reporter.Summary()
	logger.Info("split done", "containers", len(inputs), "files", len(files), "filtered", summary.Filtered, "uploaded", summary.Uploaded+summary.DryRunUploaded)
	return nil
}

func splitAndStore(ctx context.Context, r *runner.Runner, cfg config.SplitConfig, inputs []model.File, uploader *imap.Uploader) ([]model.File, error) {
	h, err := convert.Lookup(convert.ExtMbox, convert.ExtEML)
	if err != nil {
		return nil, err
	}
	files, err := h(ctx, r, inputs)
	if err != nil {
		return nil, err
	}

	if cfg.OutputDir != "" {
		if err := writeDir(cfg.OutputDir, files); err != nil {
			return nil, err
		}
	} else if err := writeZip(cfg.Output, files); err != nil {
		return nil, err
	}

	if cfg.Manifest != "" {
		if err := writeManifest(cfg.Manifest, files); err != nil {
			return nil, err
		}
	}

	if uploader != nil {
		if err := uploader.Upload(ctx, files, r.EmitEvent); err != nil {
			return nil, fmt.Errorf("imap upload: %w", err)
		}
	}

	return files, nil
}

func readFiles(paths []string) ([]model.File, error) {
	files := make([]model.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, model.File{Name: p, Data: data})
	}
	return files, nil
}

// writeDir stores files under dir. Duplicate names are rejected before
// anything is written.
func writeDir(dir string, files []model.File) error {
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%s: %w", f.Name, archive.ErrDuplicateEntry)
		}
		seen[f.Name] = struct{}{}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

func writeZip(path string, files []model.File) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	return archive.Write(out, files)
}

func writeManifest(path string, files []model.File) error {
	w, err := manifest.Create(path)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := w.Add(f); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}
