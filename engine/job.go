package engine

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/franksops/gocopy/provider"
)

// RunState is the lifecycle of a job's run flag. It only moves forward:
// NotStarted -> Running -> {Finished, Stopped}, with StopRequested possible
// from either of the first two.
type RunState int32

const (
	RunNotStarted RunState = iota
	RunRunning
	RunStopRequested
	RunFinished
	RunStopped
)

func (s RunState) String() string {
	switch s {
	case RunNotStarted:
		return "not-started"
	case RunRunning:
		return "running"
	case RunStopRequested:
		return "stop-requested"
	case RunFinished:
		return "finished"
	case RunStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TransferJob represents a single file transfer operation from a source
// provider to a destination provider.
type TransferJob struct {
	// ID is unique within the process and stable for the job's lifetime.
	ID string

	// SourcePath is the file path to read from the source provider.
	SourcePath string

	// DestinationPath is the concrete file path written on the destination
	// provider. It never names a directory.
	DestinationPath string

	// Size is the declared length of the source in bytes.
	Size int64

	Source      provider.Provider
	Destination provider.Provider

	state   atomic.Int32
	bytes   atomic.Int64
	percent atomic.Uint64
}

// NewTransferJob builds a job for copying srcPath to dstPath. When dstPath is
// an existing directory the job targets dstPath/basename(srcPath) instead.
func NewTransferJob(ctx context.Context, src, dst provider.Provider, srcPath, dstPath string, size int64) *TransferJob {
	resolved := dstPath
	if info, err := dst.Stat(ctx, dstPath); err == nil && info.IsDir() {
		resolved = dst.Join(dstPath, provider.Basename(srcPath))
	}

	return &TransferJob{
		ID:              uuid.NewString(),
		SourcePath:      srcPath,
		DestinationPath: resolved,
		Size:            size,
		Source:          src,
		Destination:     dst,
	}
}

// Stop asks a job to stop at its next chunk boundary. It reports whether the
// request changed anything; stopping a finished job is a no-op.
func (j *TransferJob) Stop() bool {
	for {
		cur := RunState(j.state.Load())
		if cur != RunNotStarted && cur != RunRunning {
			return false
		}
		if j.state.CompareAndSwap(int32(cur), int32(RunStopRequested)) {
			return true
		}
	}
}

// State returns the current run state.
func (j *TransferJob) State() RunState {
	return RunState(j.state.Load())
}

// Bytes returns how many bytes the job has written so far.
func (j *TransferJob) Bytes() int64 {
	return j.bytes.Load()
}

// Percent returns the last percentage the job reported.
func (j *TransferJob) Percent() float64 {
	return math.Float64frombits(j.percent.Load())
}

func (j *TransferJob) start() bool {
	return j.state.CompareAndSwap(int32(RunNotStarted), int32(RunRunning))
}

func (j *TransferJob) stopRequested() bool {
	return RunState(j.state.Load()) == RunStopRequested
}

func (j *TransferJob) finish(outcome Outcome) {
	if outcome == OutcomeCancelled {
		j.state.Store(int32(RunStopped))
		return
	}
	j.state.Store(int32(RunFinished))
}

func (j *TransferJob) record(bytes int64, percent float64) {
	j.bytes.Store(bytes)
	j.percent.Store(math.Float64bits(percent))
}
