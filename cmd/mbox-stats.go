package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-eml/config"
	"github.com/dhcgn/mbox-to-eml/filter"
	"github.com/dhcgn/mbox-to-eml/mbox"
	"github.com/dhcgn/mbox-to-eml/stats"
)

var headersToTrack = []string{"Delivered-To", "Subject", "From", "To"}

var mboxStatsCmd = &cobra.Command{
	Use:   "mbox-stats [mbox file]",
	Short: "Analyse the mbox file and show statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadStatsConfig(cmd, args)
		if err != nil {
			return err
		}
		return runStats(cmd.OutOrStdout(), cfg, true)
	},
}

func init() {
	config.RegisterStatsFlags(mboxStatsCmd)
	rootCmd.AddCommand(mboxStatsCmd)
}

// headerCounter tallies header values of the analysed messages.
type headerCounter struct {
	counts   map[string]map[string]int
	messages int
	skipped  int
}

func newHeaderCounter() *headerCounter {
	c := &headerCounter{counts: make(map[string]map[string]int)}
	for _, h := range headersToTrack {
		c.counts[h] = make(map[string]int)
	}
	return c
}

func (c *headerCounter) add(raw []byte) {
	c.messages++
	h, _ := mbox.Header(raw)
	for _, name := range headersToTrack {
		if value := strings.TrimSpace(mbox.DecodeHeader(h.Get(name))); value != "" {
			c.counts[name][value]++
		}
	}
}

func runStats(out io.Writer, cfg config.StatsConfig, live bool) error {
	fmt.Fprintln(out, "Analyzing mbox file:", cfg.Input)

	f, err := filter.New(cfg.Filter)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	file, err := os.Open(cfg.Input)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	counter := newHeaderCounter()
	err = mbox.Scan(file, func(_ int, raw []byte) error {
		if !f.Allows(raw) {
			counter.skipped++
			return nil
		}

		counter.add(raw)
		if live && counter.messages%250 == 0 {
			// ANSI escape code to clear screen and move cursor to top-left
			fmt.Fprint(out, "\033[H\033[2J")
			printStats(out, counter, f, cfg.TopN)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error reading mbox file: %w", err)
	}

	printStats(out, counter, f, cfg.TopN)

	if err := saveCSVReports(counter.counts, headersToTrack, cfg.ReportDir, 1000); err != nil {
		return fmt.Errorf("error saving CSV reports: %w", err)
	}

	fmt.Fprintf(out, "\nReports saved to directory: %s\n", cfg.ReportDir)
	return nil
}

func printStats(out io.Writer, c *headerCounter, f *filter.Filter, topN int) {
	total := c.messages + c.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(c.skipped) / float64(total) * 100
	}
	fmt.Fprintf(out, "Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", c.messages, c.skipped, filterPercent)

	filterStats := f.GetStats()
	sections := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters", filterStats.IncludeHeaderPatterns, filterStats.IncludeHeaderHits},
		{"Include Body Filters", filterStats.IncludeBodyPatterns, filterStats.IncludeBodyHits},
		{"Exclude Header Filters", filterStats.ExcludeHeaderPatterns, filterStats.ExcludeHeaderHits},
		{"Exclude Body Filters", filterStats.ExcludeBodyPatterns, filterStats.ExcludeBodyHits},
	}

	hasFilterStats := false
	for _, s := range sections {
		if len(s.patterns) == 0 {
			continue
		}
		hasFilterStats = true
		fmt.Fprintln(out, s.title+":")
		printFilterHits(out, s.patterns, s.hits)
		fmt.Fprintln(out)
	}
	if hasFilterStats {
		fmt.Fprintln(out, "---")
		fmt.Fprintln(out)
	}

	for _, header := range headersToTrack {
		fmt.Fprintf(out, "Top %d %s:\n", topN, header)
		stats.FprintTop(out, c.counts[header], topN)
		fmt.Fprintln(out)
	}
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))
		if err := writeCSVReport(filepath.Join(dir, filename), stats.Top(counter[header], limit)); err != nil {
			return err
		}
	}

	return nil
}

func writeCSVReport(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(out io.Writer, patterns []string, hits map[string]int) {
	type pair struct {
		Pattern string
		Count   int
	}
	pairs := make([]pair, 0, len(patterns))
	for _, pattern := range patterns {
		pairs = append(pairs, pair{pattern, hits[pattern]})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Fprintf(out, "  ✓ %s: %d hits\n", p.Pattern, p.Count)
		} else {
			fmt.Fprintf(out, "  ✗ %s: 0 hits\n", p.Pattern)
		}
	}
}
