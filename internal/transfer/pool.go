package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/gowe-launcher/pkg/model"
)

// Job is one transfer in a batch.
type Job struct {
	Key string // provision map key or output identifier
	Ref string // remote reference, for reporting
	Do  func(ctx context.Context) error
}

// Failure records one failed job.
type Failure struct {
	Key string
	Ref string
	Err error
}

// Report is the itemized outcome of a batch, in submission order.
type Report struct {
	Succeeded []string
	Failed    []Failure
}

// Err joins all failures, or returns nil when every job succeeded.
func (r *Report) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = fmt.Errorf("%s (%s): %w", f.Key, f.Ref, f.Err)
	}
	return errors.Join(errs...)
}

// Pool runs transfer batches with bounded concurrency. A failing job never
// cancels the others.
type Pool struct {
	maxConcurrent int
	timeout       time.Duration
	logger        *slog.Logger
}

// NewPool creates a Pool. maxConcurrent <= 0 means runtime.NumCPU();
// timeout is the per-job deadline (0 = none).
func NewPool(maxConcurrent int, timeout time.Duration, logger *slog.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		logger:        logger.With("component", "transfer-pool"),
	}
}

// Run executes every job and returns the itemized report.
// Failures wrap model.ErrTransfer, and model.ErrLaunchTimeout when the
// per-job deadline expired.
func (p *Pool) Run(ctx context.Context, jobs []Job) *Report {
	type outcome struct {
		ok  bool
		err error
	}
	results := make([]outcome, len(jobs))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.maxConcurrent)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			err := p.runOne(ctx, job)
			mu.Lock()
			results[i] = outcome{ok: err == nil, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{}
	for i, r := range results {
		if r.ok {
			report.Succeeded = append(report.Succeeded, jobs[i].Key)
			continue
		}
		report.Failed = append(report.Failed, Failure{Key: jobs[i].Key, Ref: jobs[i].Ref, Err: r.err})
	}
	return report
}

func (p *Pool) runOne(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransfer, err)
	}

	jobCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Do(jobCtx)
	if err == nil {
		p.logger.Debug("transfer done", "key", job.Key, "ref", job.Ref, "duration", time.Since(start))
		return nil
	}

	p.logger.Error("transfer failed", "key", job.Key, "ref", job.Ref, "error", err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %w", model.ErrTransfer, model.ErrLaunchTimeout, err)
	}
	return fmt.Errorf("%w: %w", model.ErrTransfer, err)
}
