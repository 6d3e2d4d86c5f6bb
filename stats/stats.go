package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSplit Stage = "split"
	StageJoin  Stage = "join"
	StageIMAP  Stage = "imap"
)

type EventType string

const (
	EventTypeScanned       EventType = "scanned"
	EventTypeExported      EventType = "exported"
	EventTypeFiltered      EventType = "filtered"
	EventTypeJoined        EventType = "joined"
	EventTypeContainerDone EventType = "container_done"
	EventTypeUploaded      EventType = "uploaded"
	EventTypeDryRunUpload  EventType = "dry_run_uploaded"
	EventTypeError         EventType = "error"
)

// Event is published by the runner and the IMAP sink for every message and
// container they handle.
type Event struct {
	Stage     Stage
	Type      EventType
	Container string
	Index     int
	Name      string
	Err       error
	Detail    string
}

type Summary struct {
	Containers     int
	Scanned        int
	Exported       int
	Filtered       int
	Joined         int
	Uploaded       int
	DryRunUploaded int
	Errors         int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"containers", s.Containers,
		"scanned", s.Scanned,
		"exported", s.Exported,
		"filtered", s.Filtered,
		"joined", s.Joined,
		"uploaded", s.Uploaded,
		"dryRunUploaded", s.DryRunUploaded,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeExported:
		c.summary.Exported++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeJoined:
		c.summary.Joined++
	case EventTypeContainerDone:
		c.summary.Containers++
	case EventTypeUploaded:
		c.summary.Uploaded++
	case EventTypeDryRunUpload:
		c.summary.DryRunUploaded++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Pair is one entry of a frequency table.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties ordered by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// FprintTop prints the top N most frequent items in a map to w.
func FprintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
