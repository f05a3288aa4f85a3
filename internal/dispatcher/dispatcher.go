package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

// DefaultRetryDelay is the pause after a failed iteration.
const DefaultRetryDelay = 5 * time.Second

// Executor runs one batch request to a textual outcome.
type Executor interface {
	Run(ctx context.Context, req sandbox.Request) sandbox.Outcome
}

// Recorder is the local ledger of claimed and finished jobs.
type Recorder interface {
	Claim(ctx context.Context, j *storage.Job) error
	Complete(ctx context.Context, c sqlite.Completion) error
	Unfinished(ctx context.Context) ([]string, error)
	MarkRequeued(ctx context.Context, jobID string) error
}

// Options configures a Dispatcher.
type Options struct {
	Name       string        // worker name used in logs
	RetryDelay time.Duration // defaults to DefaultRetryDelay
	Recorder   Recorder      // optional
}

// Dispatcher pops job ids from the work queue and executes them one at a time.
type Dispatcher struct {
	store    storage.Store
	executor Executor
	recorder Recorder
	delay    time.Duration
	logger   zerolog.Logger
}

// New creates a dispatcher.
func New(store storage.Store, executor Executor, opts Options, logger *zerolog.Logger) *Dispatcher {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	name := opts.Name
	if name == "" {
		name = "dispatcher"
	}
	return &Dispatcher{
		store:    store,
		executor: executor,
		recorder: opts.Recorder,
		delay:    delay,
		logger:   logger.With().Str("worker", name).Logger(),
	}
}

// Run consumes the work queue until ctx is cancelled. Failed iterations are
// logged and followed by the retry delay; Run itself never fails.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Msg("dispatcher started, waiting for jobs")
	for {
		err := d.iterate(ctx)
		if ctx.Err() != nil {
			d.logger.Info().Msg("dispatcher stopping")
			return
		}
		if err == nil {
			continue
		}

		d.logger.Error().Err(err).Dur("retry_in", d.delay).Msg("dispatcher iteration failed")
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher stopping")
			return
		}
	}
}

func (d *Dispatcher) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatcherPanics.Inc()
			d.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	id, err := d.store.NextJob(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.StoreErrors.WithLabelValues("dispatcher").Inc()
		}
		return err
	}
	return d.Process(ctx, id)
}

// Process executes one popped job id. A job whose record is gone, or that
// has already completed, is skipped. Once started, a job is carried through
// to completion even if ctx is cancelled.
func (d *Dispatcher) Process(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	log := d.logger.With().Str("job_id", id).Logger()

	job, err := d.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrJobNotFound) {
		log.Warn().Msg("job record missing, skipping")
		return nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("dispatcher").Inc()
		return fmt.Errorf("reading job %s: %w", id, err)
	}
	if job.Done() {
		log.Warn().Msg("job already completed, skipping")
		return nil
	}
	log = log.With().Str("language", job.Language).Logger()

	if d.recorder != nil {
		if err := d.recorder.Claim(ctx, job); err != nil {
			log.Warn().Err(err).Msg("failed to record claim")
		}
	}

	job.Status = storage.StatusRunning
	if err := d.store.SaveJob(ctx, job); err != nil {
		metrics.StoreErrors.WithLabelValues("dispatcher").Inc()
		return fmt.Errorf("marking job %s running: %w", id, err)
	}
	log.Info().Msg("processing job")

	start := time.Now()
	outcome := d.executor.Run(ctx, sandbox.Request{
		JobID:    job.ID,
		Code:     job.Code,
		Language: job.Language,
		Stdin:    job.Stdin,
	})
	elapsed := time.Since(start)

	metrics.JobsTotal.WithLabelValues(job.Language, string(outcome.Kind)).Inc()
	metrics.ExecutionDuration.WithLabelValues(job.Language).Observe(float64(elapsed.Milliseconds()))

	output := outcome.Output
	job.Status = storage.StatusCompleted
	job.Output = &output
	if err := d.store.SaveJob(ctx, job); err != nil {
		metrics.StoreErrors.WithLabelValues("dispatcher").Inc()
		return fmt.Errorf("saving result of job %s: %w", id, err)
	}
	if err := d.store.PublishJob(ctx, job); err != nil {
		metrics.StoreErrors.WithLabelValues("dispatcher").Inc()
		return fmt.Errorf("publishing job %s: %w", id, err)
	}

	if d.recorder != nil {
		err := d.recorder.Complete(ctx, sqlite.Completion{
			JobID:       id,
			Outcome:     string(outcome.Kind),
			Duration:    elapsed,
			OutputBytes: len(output),
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to record completion")
		}
	}

	log.Info().Str("outcome", string(outcome.Kind)).Dur("duration", elapsed).Msg("job completed")
	return nil
}

// Recover pushes jobs this instance claimed but never finished back onto the
// work queue, once each, and returns how many were re-queued.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d.recorder == nil {
		return 0, nil
	}

	ids, err := d.recorder.Unfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished jobs: %w", err)
	}

	n := 0
	for _, id := range ids {
		if err := d.store.Enqueue(ctx, id); err != nil {
			return n, fmt.Errorf("re-queuing job %s: %w", id, err)
		}
		if err := d.recorder.MarkRequeued(ctx, id); err != nil {
			return n, err
		}
		d.logger.Info().Str("job_id", id).Msg("re-queued unfinished job")
		n++
	}
	return n, nil
}
