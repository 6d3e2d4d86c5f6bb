package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-to-eml/stats"
)

// Bar manages a progress bar for tracking message processing.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	counts  map[stats.EventType]bool
	mu      sync.Mutex
	enabled bool
	stopped bool
}

// New creates a new progress bar if logLevel is "info". The bar advances on
// every event whose type is listed in counted.
func New(total int, title string, logLevel string, counted ...stats.EventType) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		counts:  make(map[stats.EventType]bool, len(counted)),
		enabled: enabled,
	}
	for _, t := range counted {
		bar.counts[t] = true
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(title).
			Start()

		bar.pb = pb

		pterm.Info.Printf("Total messages: %d\n", total)
		pterm.Println()
	}

	return bar
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b.enabled
}

// Update increments the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	switch {
	case evt.Type == stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	case evt.Type == stats.EventTypeContainerDone:
		b.pb.UpdateTitle("Processed: " + evt.Container)
	case b.counts[evt.Type]:
		b.pb.Increment()
	}
}

// Stop finalizes the progress bar. Events arriving afterwards are ignored.
// The bar is only filled up and reported complete when err is nil.
func (b *Bar) Stop(err error) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	if err != nil {
		_, _ = b.pb.Stop()
		pterm.Error.Printf("Processing failed: %v\n", err)
		return
	}

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Processing complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter creates a new progress reporter with optional progress bar.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

// collectStats collects statistics and prints final summary.
func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		pterm.Println()
		pterm.DefaultSection.Println("Summary Statistics")
		pterm.Info.Printf("Duration: %v\n", duration)
		if summary.Containers > 0 {
			pterm.Info.Printf("Done! %d mbox file(s) processed\n", summary.Containers)
		}
		pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
		pterm.Info.Printf("Exported: %d\n", summary.Exported)
		pterm.Info.Printf("Filtered (skipped): %d\n", summary.Filtered)
		if summary.Joined > 0 {
			pterm.Info.Printf("Joined: %d\n", summary.Joined)
		}
		if summary.Uploaded > 0 || summary.DryRunUploaded > 0 {
			pterm.Info.Printf("Uploaded: %d\n", summary.Uploaded)
			pterm.Info.Printf("Dry-run uploaded: %d\n", summary.DryRunUploaded)
		}
		pterm.Info.Printf("Errors: %d\n", summary.Errors)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
