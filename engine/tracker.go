package engine

import (
	"io"
	"sync"
	"time"

	"github.com/franksops/gocopy/store"
)

// CheckpointConfig controls how often a running copy's byte count is
// written to the history. Whichever threshold is crossed first wins.
type CheckpointConfig struct {
	BytesInterval int64
	TimeInterval  time.Duration
}

// DefaultCheckpointConfig saves every 10 MiB or every five seconds.
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 << 20,
	TimeInterval:  5 * time.Second,
}

// outcomeStates maps how the executor finished a job to the recorded state.
var outcomeStates = map[Outcome]store.JobState{
	OutcomeSuccess:   store.StateCompleted,
	OutcomeCancelled: store.StateCancelled,
	OutcomeDuplicate: store.StateDuplicate,
	OutcomeError:     store.StateFailed,
}

// JobTracker writes each job's lifecycle to a history store. Nothing in the
// engine reads the history back; it exists for the history and verify
// commands.
//
// Records of live jobs are kept in memory between Begin and Finish so
// progress updates do not need a read from the store.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
	now    func() time.Time

	mu   sync.Mutex
	live map[string]*store.JobRecord
}

func NewJobTracker(s store.Store, config CheckpointConfig) *JobTracker {
	return &JobTracker{
		store:  s,
		config: config,
		now:    time.Now,
		live:   make(map[string]*store.JobRecord),
	}
}

// Begin records job as pending.
func (jt *JobTracker) Begin(job *TransferJob) error {
	now := jt.now()
	rec := &store.JobRecord{
		ID:              job.ID,
		SourcePath:      job.SourcePath,
		DestinationPath: job.DestinationPath,
		State:           store.StatePending,
		TotalBytes:      job.Size,
		StartedAt:       now,
		UpdatedAt:       now,
	}

	jt.mu.Lock()
	jt.live[job.ID] = rec
	snapshot := *rec
	jt.mu.Unlock()

	return jt.store.SaveJob(&snapshot)
}

// Start records that bytes are about to move.
func (jt *JobTracker) Start(id string) error {
	return jt.save(id, false, func(rec *store.JobRecord) {
		rec.State = store.StateInProgress
	})
}

// Progress records how many bytes of a running job have been written.
func (jt *JobTracker) Progress(id string, written int64) error {
	return jt.save(id, false, func(rec *store.JobRecord) {
		rec.BytesTransferred = written
	})
}

// Finish records the terminal state for res and forgets the job.
func (jt *JobTracker) Finish(res Result) error {
	state, ok := outcomeStates[res.Outcome]
	if !ok {
		state = store.StateFailed
	}
	return jt.save(res.JobID, true, func(rec *store.JobRecord) {
		rec.State = state
		rec.BytesTransferred = res.Bytes
		if state == store.StateCompleted {
			rec.Checksum = res.Checksum
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
	})
}

// save applies change to the job's record and persists a copy of it. Jobs
// that were never begun in this process are loaded from the store.
func (jt *JobTracker) save(id string, done bool, change func(*store.JobRecord)) error {
	jt.mu.Lock()
	rec, ok := jt.live[id]
	jt.mu.Unlock()
	if !ok {
		loaded, err := jt.store.GetJob(id)
		if err != nil {
			return err
		}
		rec = loaded
	}

	jt.mu.Lock()
	change(rec)
	rec.UpdatedAt = jt.now()
	snapshot := *rec
	if done {
		delete(jt.live, id)
	} else {
		jt.live[id] = rec
	}
	jt.mu.Unlock()

	return jt.store.SaveJob(&snapshot)
}

// TrackedWriter counts what passes through to the destination and
// checkpoints the count in the history. It is used by a single copy
// goroutine and is not safe for concurrent writes.
type TrackedWriter struct {
	w       io.Writer
	tracker *JobTracker
	id      string

	written   int64
	savedAt   int64
	savedTime time.Time
}

// Writer wraps w so writes for job id are checkpointed.
func (jt *JobTracker) Writer(w io.Writer, id string) *TrackedWriter {
	return &TrackedWriter{w: w, tracker: jt, id: id, savedTime: jt.now()}
}

func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if n == 0 {
		return n, err
	}
	tw.written += int64(n)

	cfg := tw.tracker.config
	now := tw.tracker.now()
	if tw.written-tw.savedAt >= cfg.BytesInterval || now.Sub(tw.savedTime) >= cfg.TimeInterval {
		// A failed checkpoint is retried on the next write; it never fails the copy.
		if tw.tracker.Progress(tw.id, tw.written) == nil {
			tw.savedAt, tw.savedTime = tw.written, now
		}
	}
	return n, err
}

// Written returns the bytes accepted by the underlying writer.
func (tw *TrackedWriter) Written() int64 {
	return tw.written
}
