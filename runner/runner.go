package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/dhcgn/mbox-to-eml/filter"
	"github.com/dhcgn/mbox-to-eml/mbox"
	"github.com/dhcgn/mbox-to-eml/model"
	"github.com/dhcgn/mbox-to-eml/stats"
)

var ErrNoInputs = errors.New("no input files")

// Options configures a Runner.
type Options struct {
	// Workers bounds the number of containers split in parallel. Values
	// below one mean one.
	Workers int
	Filter  *filter.Filter
}

// Runner drives Split and Join calls over batches of files and publishes a
// stats.Event for every message it handles.
type Runner struct {
	opts     Options
	logger   *slog.Logger
	splitter *mbox.Splitter

	ctx    context.Context
	cancel context.CancelFunc

	subMu       sync.RWMutex
	subscribers []chan stats.Event
	closed      bool
	statsWG     sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	since     time.Time
}

func New(opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		opts:     opts,
		logger:   logger,
		splitter: mbox.NewSplitter(opts.Filter, logger),
		ctx:      ctx,
		cancel:   cancel,
		since:    time.Now(),
	}
}

// SubscribeStats registers fn to receive every event emitted after the call.
// Subscribers run until Close.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	events := make(chan stats.Event, 128)

	r.subMu.Lock()
	if r.closed {
		r.subMu.Unlock()
		close(events)
		return
	}
	r.subscribers = append(r.subscribers, events)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// EmitEvent delivers evt to all subscribers. Events emitted after Close are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	if r.closed {
		return
	}
	for _, events := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case events <- evt:
		}
	}
}

// SplitAll splits every container and returns all exported files, grouped by
// container in input order. Containers with the same display name get a
// numeric suffix so file names stay unique. The first failing container
// cancels the rest.
func (r *Runner) SplitAll(ctx context.Context, containers []model.File) ([]model.File, error) {
	if len(containers) == 0 {
		return nil, ErrNoInputs
	}

	stems := Stems(containers)
	results := make([]mbox.Result, len(containers))

	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(r.opts.Workers)

	for i, container := range containers {
		if ctx.Err() != nil {
			break
		}
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := r.split(container, stems[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exported := 0
	for _, res := range results {
		exported += len(res.Files)
	}
	files := make([]model.File, 0, exported)
	for _, res := range results {
		files = append(files, res.Files...)
	}

	r.logger.Info("split completed", "containers", len(containers), "files", len(files), "duration", time.Since(r.since))
	return files, nil
}

func (r *Runner) split(container model.File, stem string) (mbox.Result, error) {
	r.logger.Info("processing container", "name", container.Name, "stem", stem, "bytes", len(container.Data))

	res, err := r.splitter.SplitStem(container.Data, stem)
	if err != nil {
		err = fmt.Errorf("%s: %w", container.Name, err)
		r.EmitEvent(stats.Event{Stage: stats.StageSplit, Type: stats.EventTypeError, Container: stem, Err: err})
		return mbox.Result{}, err
	}

	skipped := make(map[int]struct{}, len(res.Skipped))
	for _, index := range res.Skipped {
		skipped[index] = struct{}{}
	}

	next := 0
	for index := 1; index <= res.Scanned; index++ {
		r.EmitEvent(stats.Event{Stage: stats.StageSplit, Type: stats.EventTypeScanned, Container: stem, Index: index})
		if _, ok := skipped[index]; ok {
			r.EmitEvent(stats.Event{Stage: stats.StageSplit, Type: stats.EventTypeFiltered, Container: stem, Index: index})
			continue
		}
		f := res.Files[next]
		next++
		r.EmitEvent(stats.Event{Stage: stats.StageSplit, Type: stats.EventTypeExported, Container: stem, Index: f.Index, Name: f.Name})
	}

	r.EmitEvent(stats.Event{
		Stage:     stats.StageSplit,
		Type:      stats.EventTypeContainerDone,
		Container: stem,
		Detail:    strconv.Itoa(len(res.Files)),
	})
	r.logger.Debug("container done", "name", container.Name, "scanned", res.Scanned, "exported", len(res.Files), "filtered", len(res.Skipped))
	return res, nil
}

// Join folds files into a single container, in the given order.
func (r *Runner) Join(ctx context.Context, files []model.File) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := mbox.Join(files)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageJoin, Type: stats.EventTypeError, Err: err})
		return nil, err
	}

	for i, f := range files {
		r.EmitEvent(stats.Event{Stage: stats.StageJoin, Type: stats.EventTypeJoined, Index: i + 1, Name: f.Name})
	}
	r.logger.Info("join completed", "messages", len(files), "bytes", len(data))
	return data, nil
}

// Close ends the event stream, waits for subscribers and reports the first
// subscriber failure.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.subMu.Lock()
		r.closed = true
		for _, events := range r.subscribers {
			close(events)
		}
		r.subMu.Unlock()

		r.statsWG.Wait()
		r.cancel()
	})

	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Stems derives the file name prefix of every container, appending -2, -3, ...
// to repeated names.
func Stems(containers []model.File) []string {
	stems := make([]string, len(containers))
	used := make(map[string]bool, len(containers))
	for i, c := range containers {
		base := mbox.ContainerName(c.Name)
		stem := base
		for n := 2; used[stem]; n++ {
			stem = base + "-" + strconv.Itoa(n)
		}
		used[stem] = true
		stems[i] = stem
	}
	return stems
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
