package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/franksops/gocopy/provider"
)

// DefaultInterval is how often the combined progress is recomputed.
const DefaultInterval = 200 * time.Millisecond

// Status is the combined readout of a batch, recomputed on every tick.
type Status struct {
	// Percent is the unweighted mean of the per-job percentages.
	Percent float64
	// BytesRemaining is the declared batch volume minus bytes written so far.
	BytesRemaining int64
	// FilesRemaining counts active jobs, never less than 1 while batching.
	FilesRemaining int
	TotalFiles     int
	TotalBytes     int64
}

// Failure is a job that ended with OutcomeError.
type Failure struct {
	JobID       string
	Source      string
	Destination string
	Err         error
}

// Report is handed to the presenter when a batch drains.
type Report struct {
	Duplicates []string
	Failures   []Failure
}

// Presenter is the presentation surface a Coordinator drives. Its methods are
// called from the coordinator goroutine and must not block.
type Presenter interface {
	Show()
	Hide()
	Refresh(Status)
	BatchComplete(Report)
}

// Snapshot is a point-in-time copy of the coordinator's bookkeeping.
type Snapshot struct {
	Status
	Batching   bool
	Active     int
	Queued     int
	Tracked    int
	Duplicates []string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithInterval sets the progress refresh interval.
func WithInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithWorkers sets how many jobs run at once.
func WithWorkers(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithObserver receives every job event as the coordinator consumes it, plus
// EventBatchComplete.
func WithObserver(fn func(Event)) CoordinatorOption {
	return func(c *Coordinator) { c.observer = fn }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator aggregates the jobs of a batch into one combined status. All of
// its state is owned by a single goroutine; jobs talk to it only through
// events and callers only through messages.
type Coordinator struct {
	exec      *Executor
	pool      *WorkerPool
	presenter Presenter
	observer  func(Event)
	logger    zerolog.Logger
	interval  time.Duration
	workers   int

	cmds     chan func()
	events   chan Event
	loopDone chan struct{}
	cancel   context.CancelFunc

	// Owned by the loop goroutine.
	active     map[string]*TransferJob
	stopping   map[string]*TransferJob
	batch      map[string]*TransferJob
	progress   map[string]float64
	bytes      map[string]int64
	totalJobs  int
	totalBytes int64
	duplicates []string
	failures   []Failure
	waiters    []chan struct{}
}

// NewCoordinator starts a coordinator and its worker pool. Jobs are run by
// exec and the combined status is pushed to presenter, which may be nil.
func NewCoordinator(ctx context.Context, exec *Executor, presenter Presenter, opts ...CoordinatorOption) *Coordinator {
	if exec == nil {
		exec = NewExecutor(nil)
	}
	if presenter == nil {
		presenter = nopPresenter{}
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		exec:      exec,
		presenter: presenter,
		logger:    zerolog.Nop(),
		interval:  DefaultInterval,
		workers:   1,
		cmds:      make(chan func(), 64),
		events:    make(chan Event, 1024),
		loopDone:  make(chan struct{}),
		cancel:    cancel,
		active:    make(map[string]*TransferJob),
		stopping:  make(map[string]*TransferJob),
		batch:     make(map[string]*TransferJob),
		progress:  make(map[string]float64),
		bytes:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pool = NewWorkerPool(ctx, c.runJob)
	c.pool.Resize(c.workers)

	go c.loop(ctx)
	return c
}

// SubmitTransfer builds a job for (srcPath, dstPath, size) and submits it.
// Directory destinations are resolved before the job is queued.
func (c *Coordinator) SubmitTransfer(ctx context.Context, src, dst provider.Provider, srcPath, dstPath string, size int64) *TransferJob {
	job := NewTransferJob(ctx, src, dst, srcPath, dstPath, size)
	c.Submit(job)
	return job
}

// Submit registers job with the current batch and queues it. A job whose
// (source, destination) pair matches an active job is ignored.
func (c *Coordinator) Submit(job *TransferJob) {
	c.send(func() { c.submit(job) })
}

// Cancel drops queued jobs, asks every running job to stop and forgets the
// active set without waiting for the stops to be observed.
func (c *Coordinator) Cancel() {
	c.send(c.cancelAll)
}

// Workers returns the current concurrency limit.
func (c *Coordinator) Workers() int {
	return c.pool.Size()
}

// AdjustWorkers changes the concurrency limit by delta, never going below
// one, and returns the new limit. Running jobs are never interrupted.
func (c *Coordinator) AdjustWorkers(delta int) int {
	n := max(c.pool.Size()+delta, 1)
	c.pool.Resize(n)
	return n
}

// Snapshot returns the current bookkeeping. After Close it returns the zero
// Snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !c.send(func() { reply <- c.snapshot() }) {
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-c.loopDone:
		return Snapshot{}
	}
}

// WaitIdle blocks until no batch is in progress or ctx is done.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	idle := make(chan struct{})
	if !c.send(func() {
		if !c.batching() {
			close(idle)
			return
		}
		c.waiters = append(c.waiters, idle)
	}) {
		return context.Canceled
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return context.Canceled
	}
}

// Close stops the workers and the event loop. Running jobs are cancelled.
func (c *Coordinator) Close() {
	c.cancel()
	c.pool.Stop()
	<-c.loopDone
}

func (c *Coordinator) send(cmd func()) bool {
	select {
	case c.cmds <- cmd:
		return true
	case <-c.loopDone:
		return false
	}
}

func (c *Coordinator) runJob(ctx context.Context, job *TransferJob) error {
	res := c.exec.Execute(ctx, job, c.emit)
	return res.Err
}

// emit is called from worker goroutines.
func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.loopDone:
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.releaseWaiters()
			return
		case cmd := <-c.cmds:
			cmd()
		case ev := <-c.events:
			c.handle(ev)
		case <-ticker.C:
			if c.batching() {
				c.presenter.Refresh(c.status())
			}
		}
	}
}

func (c *Coordinator) batching() bool {
	return len(c.batch) > 0
}

func (c *Coordinator) submit(job *TransferJob) {
	for _, other := range c.active {
		if other.SourcePath == job.SourcePath && other.DestinationPath == job.DestinationPath {
			c.logger.Info().
				Str("src", job.SourcePath).
				Str("dst", job.DestinationPath).
				Msg("transfer already in progress, ignoring")
			return
		}
	}

	starting := !c.batching()
	c.active[job.ID] = job
	c.batch[job.ID] = job
	c.totalJobs++
	c.totalBytes += job.Size
	c.pool.Submit(job)

	if starting {
		c.logger.Debug().Msg("batch started")
		c.presenter.Show()
	}
}

func (c *Coordinator) handle(ev Event) {
	job, ok := c.batch[ev.JobID]
	if !ok {
		// Late event from a job forgotten by cancel or a finished batch.
		return
	}
	if c.observer != nil {
		c.observer(ev)
	}

	switch ev.Kind {
	case EventProgress:
		if ev.Percent >= c.progress[ev.JobID] {
			c.progress[ev.JobID] = ev.Percent
		}
	case EventTransferred:
		c.bytes[ev.JobID] = ev.Bytes
	case EventDuplicate:
		c.duplicates = append(c.duplicates, ev.Path)
	case EventFailed:
		c.failures = append(c.failures, Failure{
			JobID:       ev.JobID,
			Source:      job.SourcePath,
			Destination: job.DestinationPath,
			Err:         ev.Err,
		})
		c.logger.Error().Err(ev.Err).
			Str("job_id", ev.JobID).
			Str("src", job.SourcePath).
			Str("dst", job.DestinationPath).
			Msg("transfer failed")
	case EventFinished:
		c.onJobFinished(ev.JobID)
	}
}

func (c *Coordinator) onJobFinished(id string) {
	delete(c.active, id)
	delete(c.stopping, id)
	if c.batchDone() {
		c.completeBatch()
	}
}

// batchDone requires both an empty active set and every tracked job at 100,
// so a sibling that has not reported yet keeps the batch open.
func (c *Coordinator) batchDone() bool {
	if len(c.active) > 0 || len(c.stopping) > 0 {
		return false
	}
	for _, pct := range c.progress {
		if pct < 100 {
			return false
		}
	}
	return true
}

func (c *Coordinator) completeBatch() {
	report := Report{Duplicates: c.duplicates, Failures: c.failures}

	clear(c.active)
	clear(c.stopping)
	clear(c.batch)
	clear(c.progress)
	clear(c.bytes)
	c.totalJobs = 0
	c.totalBytes = 0
	c.duplicates = nil
	c.failures = nil

	c.logger.Debug().
		Int("duplicates", len(report.Duplicates)).
		Int("failures", len(report.Failures)).
		Msg("batch complete")

	if c.observer != nil {
		c.observer(Event{Kind: EventBatchComplete})
	}
	c.presenter.BatchComplete(report)
	c.presenter.Hide()
	c.releaseWaiters()
}

func (c *Coordinator) cancelAll() {
	if !c.batching() {
		return
	}

	dropped := c.pool.CancelAll()
	for _, job := range dropped {
		delete(c.batch, job.ID)
		delete(c.active, job.ID)
		c.totalJobs--
		c.totalBytes -= job.Size
	}
	for id, job := range c.active {
		job.Stop()
		c.stopping[id] = job
	}
	clear(c.active)

	c.logger.Info().
		Int("dropped", len(dropped)).
		Int("stopping", len(c.stopping)).
		Msg("batch cancelled")

	// Dropped jobs never report, so the batch may already be done.
	if c.batchDone() {
		c.completeBatch()
	}
}

func (c *Coordinator) releaseWaiters() {
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

func (c *Coordinator) status() Status {
	var sum float64
	for _, pct := range c.progress {
		sum += pct
	}
	var pct float64
	if n := max(c.totalJobs, len(c.progress)); len(c.progress) > 0 {
		pct = sum / float64(n)
	}

	var moved int64
	for _, b := range c.bytes {
		moved += b
	}

	return Status{
		Percent:        pct,
		BytesRemaining: max(c.totalBytes-moved, 0),
		FilesRemaining: max(len(c.active), 1),
		TotalFiles:     c.totalJobs,
		TotalBytes:     c.totalBytes,
	}
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{
		Batching: c.batching(),
		Active:   len(c.active),
		Queued:   c.pool.Pending(),
		Tracked:  len(c.progress),
	}
	if s.Batching {
		s.Status = c.status()
	}
	s.Duplicates = append([]string(nil), c.duplicates...)
	return s
}

type nopPresenter struct{}

func (nopPresenter) Show()                {}
func (nopPresenter) Hide()                {}
func (nopPresenter) Refresh(Status)       {}
func (nopPresenter) BatchComplete(Report) {}
