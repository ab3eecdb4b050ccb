package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/franksops/gocopy/provider"
)

// Result describes how a job ended.
type Result struct {
	JobID    string
	Outcome  Outcome
	Bytes    int64
	Checksum uint64
	Err      error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTracker records every job in a history store.
func WithTracker(t *JobTracker) ExecutorOption {
	return func(e *Executor) { e.tracker = t }
}

// WithMetadata toggles copying mode bits and mtime after a successful copy.
func WithMetadata(enabled bool) ExecutorOption {
	return func(e *Executor) { e.metadata = enabled }
}

// WithVerify re-reads every finished destination and compares its CRC64 with
// the bytes read from the source. The Mover must be built with checksums on.
func WithVerify(enabled bool) ExecutorOption {
	return func(e *Executor) { e.verify = enabled }
}

// WithExecutorLogger sets the logger used for swallowed errors.
func WithExecutorLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// Executor runs a single TransferJob end to end: duplicate detection, stream
// acquisition, the byte copy and the post-copy cleanup or metadata step.
type Executor struct {
	mover    *Mover
	tracker  *JobTracker
	metadata bool
	verify   bool
	logger   zerolog.Logger
}

// NewExecutor creates an Executor around mover.
func NewExecutor(mover *Mover, opts ...ExecutorOption) *Executor {
	if mover == nil {
		mover = NewMover(nil, false)
	}
	e := &Executor{
		mover:    mover,
		metadata: true,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs job and reports through emit. Every path, including failures,
// ends with a Progress of 100 followed by Finished. Cancelling ctx stops the
// job at its next chunk boundary.
func (e *Executor) Execute(ctx context.Context, job *TransferJob, emit Emit) Result {
	log := e.logger.With().
		Str("job_id", job.ID).
		Str("src", job.SourcePath).
		Str("dst", job.DestinationPath).
		Logger()

	stop := context.AfterFunc(ctx, func() { job.Stop() })
	defer stop()

	if !job.start() {
		// Stopped before a worker picked it up.
		job.finish(OutcomeCancelled)
		emit(progressEvent(job.ID, 100))
		emit(finishedEvent(job.ID))
		return Result{JobID: job.ID, Outcome: OutcomeCancelled}
	}

	// Finished is held back until the destination is closed or cleaned up
	// and the run flag is final, so nothing about the job changes after it.
	var finished bool
	held := func(ev Event) {
		if ev.Kind == EventFinished {
			finished = true
			return
		}
		emit(ev)
	}

	e.trackInit(log, job)
	res := e.run(ctx, log, job, held)
	job.finish(res.Outcome)
	e.trackOutcome(log, res)

	log.Debug().
		Stringer("outcome", res.Outcome).
		Int64("bytes", res.Bytes).
		Msg("transfer finished")

	if finished {
		emit(finishedEvent(job.ID))
	}
	return res
}

func (e *Executor) run(ctx context.Context, log zerolog.Logger, job *TransferJob, emit Emit) Result {
	exists, err := provider.Exists(ctx, job.Destination, job.DestinationPath)
	if err != nil {
		return e.failed(job, emit, 0, fmt.Errorf("checking destination %s: %w", job.DestinationPath, err))
	}
	if exists {
		log.Info().Msg("destination already exists, skipping")
		emit(Event{Kind: EventDuplicate, JobID: job.ID, Path: job.DestinationPath})
		emit(progressEvent(job.ID, 100))
		emit(finishedEvent(job.ID))
		return Result{JobID: job.ID, Outcome: OutcomeDuplicate}
	}

	src, err := job.Source.OpenRead(ctx, job.SourcePath)
	if err != nil {
		return e.failed(job, emit, 0, fmt.Errorf("opening source %s: %w", job.SourcePath, err))
	}
	defer src.Close()

	dst, err := job.Destination.OpenWrite(ctx, job.DestinationPath)
	if err != nil {
		return e.failed(job, emit, 0, fmt.Errorf("opening destination %s: %w", job.DestinationPath, err))
	}

	var w io.Writer = dst
	if e.tracker != nil {
		if err := e.tracker.Start(job.ID); err != nil {
			log.Warn().Err(err).Msg("recording job start")
		}
		w = e.tracker.Writer(dst, job.ID)
	}

	moved := e.mover.Move(job, src, w, emit)
	res := Result{
		JobID:    job.ID,
		Outcome:  moved.Outcome,
		Bytes:    moved.Bytes,
		Checksum: moved.Checksum,
		Err:      moved.Err,
	}

	if res.Outcome != OutcomeSuccess {
		discarded := e.discard(log, dst, res.Err)
		if res.Outcome == OutcomeCancelled && !discarded {
			e.removePartial(ctx, log, job)
		}
		return res
	}

	if err := dst.Close(); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another writer committed the destination while this job copied.
			log.Info().Msg("destination appeared during copy, skipping")
			emit(Event{Kind: EventDuplicate, JobID: job.ID, Path: job.DestinationPath})
			return Result{JobID: job.ID, Outcome: OutcomeDuplicate, Bytes: res.Bytes}
		}
		err = fmt.Errorf("closing destination %s: %w", job.DestinationPath, err)
		return e.downgrade(job, emit, res, err)
	}
	if e.verify {
		if err := e.verifyCopy(ctx, job, res.Checksum); err != nil {
			return e.downgrade(job, emit, res, err)
		}
	}
	if e.metadata {
		e.copyMetadata(ctx, log, job)
	}
	return res
}

// downgrade turns a finished copy into a failure discovered after the last
// chunk was written.
func (e *Executor) downgrade(job *TransferJob, emit Emit, res Result, err error) Result {
	res.Outcome = OutcomeError
	res.Err = err
	emit(Event{Kind: EventFailed, JobID: job.ID, Path: job.DestinationPath, Err: err})
	return res
}

func (e *Executor) failed(job *TransferJob, emit Emit, bytes int64, err error) Result {
	res := fail(job, emit, bytes, err)
	return Result{JobID: job.ID, Outcome: res.Outcome, Bytes: res.Bytes, Err: res.Err}
}

func (e *Executor) verifyCopy(ctx context.Context, job *TransferJob, want uint64) error {
	got, _, err := ChecksumFile(ctx, job.Destination, job.DestinationPath)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", job.DestinationPath, err)
	}
	if got != want {
		return fmt.Errorf("verifying %s: %w (source %016x, destination %016x)",
			job.DestinationPath, ErrChecksumMismatch, want, got)
	}
	return nil
}

// copyMetadata is best effort: failures are logged and never change the outcome.
func (e *Executor) copyMetadata(ctx context.Context, log zerolog.Logger, job *TransferJob) {
	setter, ok := job.Destination.(provider.MetadataSetter)
	if !ok {
		return
	}
	info, err := job.Source.Stat(ctx, job.SourcePath)
	if err != nil {
		log.Warn().Err(err).Msg("reading source metadata")
		return
	}
	if err := setter.SetMetadata(ctx, job.DestinationPath, info); err != nil {
		log.Warn().Err(err).Msg("copying metadata")
	}
}

// removePartial permanently deletes what a cancelled job wrote through a
// writer that cannot discard its own content. It must run even though the
// context that cancelled the job is already done.
func (e *Executor) removePartial(ctx context.Context, log zerolog.Logger, job *TransferJob) {
	err := job.Destination.Remove(context.WithoutCancel(ctx), job.DestinationPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("removing partial destination")
	}
}

func (e *Executor) trackInit(log zerolog.Logger, job *TransferJob) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.Begin(job); err != nil {
		log.Warn().Err(err).Msg("recording job")
	}
}

func (e *Executor) trackOutcome(log zerolog.Logger, res Result) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.Finish(res); err != nil {
		log.Warn().Err(err).Msg("recording job outcome")
	}
}

// discard drops what an unsuccessful job wrote. It reports true when the
// writer discarded the content itself, so nothing under the destination path
// belongs to the job.
func (e *Executor) discard(log zerolog.Logger, w io.WriteCloser, cause error) bool {
	a, ok := w.(provider.Aborter)
	if !ok {
		_ = w.Close()
		return false
	}
	if err := a.Abort(cause); err != nil {
		log.Warn().Err(err).Msg("discarding partial destination")
	}
	return true
}
