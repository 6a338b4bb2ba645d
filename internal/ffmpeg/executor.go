package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tvoe/clipshare/internal/domain"
	"github.com/tvoe/clipshare/internal/metrics"
)

// Engine runs one transcoding process to completion
type Engine interface {
	Run(ctx context.Context, args []string, progressFn ProgressCallback) error
}

// EngineFunc adapts a function to the Engine interface
type EngineFunc func(ctx context.Context, args []string, progressFn ProgressCallback) error

// Run calls f
func (f EngineFunc) Run(ctx context.Context, args []string, progressFn ProgressCallback) error {
	return f(ctx, args, progressFn)
}

// TrimSpec describes a single-input cut
type TrimSpec struct {
	Input    string
	Start    time.Duration
	Duration time.Duration
	Output   string
}

// MergeSpec describes an ordered concatenation driven by a manifest
type MergeSpec struct {
	Inputs   []string
	Manifest string
	Output   string
}

// Result is the terminal outcome of a job
type Result struct {
	JobID      uuid.UUID
	Operation  domain.Operation
	Succeeded  bool
	OutputPath string
	Stderr     string
	Err        error
	Elapsed    time.Duration
}

// JobHandle is the awaitable side of a running job.
// Completion is signalled exactly once.
type JobHandle struct {
	job    *domain.TranscodeJob
	done   chan struct{}
	once   sync.Once
	result Result
}

func newJobHandle(job *domain.TranscodeJob) *JobHandle {
	return &JobHandle{
		job:  job,
		done: make(chan struct{}),
	}
}

// Job returns the tracked job
func (h *JobHandle) Job() *domain.TranscodeJob {
	return h.job
}

// Done is closed when the job reaches a terminal state
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome; it is only meaningful after Done is closed
func (h *JobHandle) Result() Result {
	<-h.done
	return h.result
}

// Wait blocks until the job finishes or ctx is done.
// Abandoning the wait does not stop the job.
func (h *JobHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *JobHandle) finish(r Result) bool {
	fired := false
	h.once.Do(func() {
		h.result = r
		fired = true
		close(h.done)
	})
	return fired
}

// Executor launches engine processes and reports their outcome through a JobHandle
type Executor struct {
	engine  Engine
	builder *CommandBuilder
	sem     *semaphore.Weighted
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates an executor running at most maxParallel engine processes at once
func NewExecutor(engine Engine, builder *CommandBuilder, maxParallel int, logger *zap.Logger, m *metrics.Metrics) *Executor {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Executor{
		engine:  engine,
		builder: builder,
		sem:     semaphore.NewWeighted(int64(maxParallel)),
		logger:  logger.With(zap.String("component", "executor")),
		metrics: m,
	}
}

// RunTrim starts a trim and returns without waiting for it
func (e *Executor) RunTrim(ctx context.Context, spec TrimSpec) (*JobHandle, error) {
	switch {
	case spec.Input == "" || spec.Output == "":
		return nil, domain.Validationf("trim requires input and output paths")
	case spec.Start < 0:
		return nil, domain.Validationf("trim start must not be negative")
	case spec.Duration <= 0:
		return nil, domain.Validationf("trim duration must be positive")
	}

	job := domain.NewTranscodeJob(domain.OperationTrim, []string{spec.Input}, spec.Output)
	job.Start = spec.Start
	job.Duration = spec.Duration

	return e.launch(ctx, job, e.builder.BuildTrimArgs(spec)), nil
}

// RunMerge starts a merge and returns without waiting for it
func (e *Executor) RunMerge(ctx context.Context, spec MergeSpec) (*JobHandle, error) {
	switch {
	case len(spec.Inputs) < 2:
		return nil, domain.Validationf("merge requires at least two inputs, got %d", len(spec.Inputs))
	case spec.Manifest == "" || spec.Output == "":
		return nil, domain.Validationf("merge requires manifest and output paths")
	}

	job := domain.NewTranscodeJob(domain.OperationMerge, spec.Inputs, spec.Output)

	return e.launch(ctx, job, e.builder.BuildMergeArgs(spec)), nil
}

func (e *Executor) launch(ctx context.Context, job *domain.TranscodeJob, args []string) *JobHandle {
	handle := newJobHandle(job)
	logger := e.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("operation", string(job.Operation)),
	)

	go func() {
		// Waiting for a slot honours ctx; nothing has been launched yet
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.complete(handle, logger, Result{Err: fmt.Errorf("waiting for engine slot: %w", err)})
			return
		}
		defer e.sem.Release(1)

		if err := job.Transition(domain.JobStateRunning); err != nil {
			e.complete(handle, logger, Result{Err: err})
			return
		}

		e.metrics.IncrementFFmpegProcesses()
		logger.Info("engine started", zap.Strings("inputs", job.Inputs), zap.String("output", job.OutputPath))

		started := time.Now()
		err := e.engine.Run(ctx, args, func(p Progress) {
			logger.Debug("engine progress",
				zap.Int64("frame", p.Frame),
				zap.Duration("out_time", p.OutTime),
				zap.Float64("speed", p.Speed),
			)
		})
		if err == nil {
			// The process may exit 0 without producing anything usable
			err = ValidateOutput(job.OutputPath)
		}
		elapsed := time.Since(started)
		e.metrics.DecrementFFmpegProcesses()

		e.complete(handle, logger, Result{Err: err, Elapsed: elapsed})
	}()

	return handle
}

func (e *Executor) complete(handle *JobHandle, logger *zap.Logger, r Result) {
	job := handle.job
	r.JobID = job.ID
	r.Operation = job.Operation
	r.OutputPath = job.OutputPath

	state := domain.JobStateSucceeded
	if r.Err != nil {
		state = domain.JobStateFailed
		var exitErr *ExitError
		if errors.As(r.Err, &exitErr) {
			r.Stderr = exitErr.Stderr
		}
		r.Err = domain.ExecutionFailuref("%s job %s failed", job.Operation, job.ID).
			Wrap(r.Err).
			WithDetails("stderr", r.Stderr)
	}
	r.Succeeded = state == domain.JobStateSucceeded

	if err := job.Transition(state); err != nil {
		logger.Error("job state transition rejected", zap.Error(err))
	}

	result := "succeeded"
	if !r.Succeeded {
		result = "failed"
	}
	e.metrics.RecordJobDuration(string(job.Operation), result, r.Elapsed.Seconds())

	if r.Succeeded {
		logger.Info("engine finished", zap.Duration("elapsed", r.Elapsed))
	} else {
		logger.Error("engine failed",
			zap.Duration("elapsed", r.Elapsed),
			zap.String("stderr", r.Stderr),
			zap.Error(r.Err),
		)
	}

	handle.finish(r)
}
