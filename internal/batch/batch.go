package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"codeberg.org/pwnderpants/streamrank/internal/measure"
	"codeberg.org/pwnderpants/streamrank/internal/source"
)

// DefaultConcurrency bounds probes in flight when none is configured
const DefaultConcurrency = 10

// Measurer probes one URL
type Measurer interface {
	Measure(ctx context.Context, raw string, opts measure.Options) source.Result
}

// Completion is delivered exactly once per submitted URL
type Completion struct {
	Index  int
	URL    string
	Result source.Result
	// Err is set when the probe never ran because the batch was canceled
	Err error
}

// Runner fans probes out over a bounded number of goroutines
type Runner struct {
	measurer    Measurer
	concurrency int64
	logger      *slog.Logger
}

// NewRunner returns a Runner; concurrency <= 0 uses DefaultConcurrency
func NewRunner(measurer Measurer, concurrency int, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		measurer:    measurer,
		concurrency: int64(concurrency),
		logger:      logger,
	}
}

// Run probes every url and streams completions as they finish. The channel is
// buffered for the whole batch and closed after the last completion.
func (r *Runner) Run(ctx context.Context, urls []string, opts measure.Options) <-chan Completion {
	completions := make(chan Completion, len(urls))
	sem := semaphore.NewWeighted(r.concurrency)

	var (
		wg       sync.WaitGroup
		finished atomic.Int64
	)

	for i, url := range urls {
		wg.Add(1)
		go func(index int, url string) {
			defer wg.Done()

			c := Completion{Index: index, URL: url}

			// Acquire fails only once the batch is canceled
			if err := sem.Acquire(ctx, 1); err != nil {
				c.Err = err
			} else if err := ctx.Err(); err != nil {
				sem.Release(1)
				c.Err = err
			} else {
				c.Result = r.measurer.Measure(ctx, url, opts)
				sem.Release(1)
			}

			completions <- c

			r.logger.Debug("probe completed",
				slog.Int64("done", finished.Add(1)),
				slog.Int("total", len(urls)),
				slog.String("url", url),
			)
		}(i, url)
	}

	go func() {
		wg.Wait()
		close(completions)
	}()

	return completions
}

// Collect drains completions into a slice indexed like the submitted urls
func Collect(completions <-chan Completion, n int) []Completion {
	out := make([]Completion, n)
	for c := range completions {
		out[c.Index] = c
	}

	return out
}
