package engine

import (
	"errors"
	"fmt"
	"io"
)

// MoveResult is the terminal classification of one byte copy.
type MoveResult struct {
	Outcome  Outcome
	Bytes    int64
	Checksum uint64
	Err      error
}

// Mover copies the bytes of one job from an open source to an open
// destination in fixed-size chunks, reporting after every chunk.
type Mover struct {
	buffers  *BufferPool
	checksum bool
}

// NewMover returns a Mover drawing chunk buffers from buffers. With checksum
// set, a CRC64 of the written bytes is returned in MoveResult.
func NewMover(buffers *BufferPool, checksum bool) *Mover {
	if buffers == nil {
		buffers = NewBufferPool(DefaultChunkSize)
	}
	return &Mover{buffers: buffers, checksum: checksum}
}

// Move copies src to dst for job. Every exit path ends with a Finished event,
// preceded by a Progress of 100 unless the last chunk already reported 100.
// The job's run flag is checked after each chunk; a stop request ends the
// copy with OutcomeCancelled.
func (m *Mover) Move(job *TransferJob, src io.Reader, dst io.Writer, emit Emit) MoveResult {
	var cw *ChecksumWriter
	if m.checksum {
		cw = NewChecksumWriter(dst)
		dst = cw
	}

	var res MoveResult
	if job.Size > 0 {
		res = m.copyChunks(job, src, dst, emit)
	} else {
		res = m.copyEmpty(job, src, dst, emit)
	}

	if cw != nil {
		res.Checksum = cw.Checksum()
	}
	return res
}

func (m *Mover) copyChunks(job *TransferJob, src io.Reader, dst io.Writer, emit Emit) MoveResult {
	bp := m.buffers.Get()
	defer m.buffers.Put(bp)

	buf := *bp
	if int64(len(buf)) > job.Size {
		buf = buf[:job.Size]
	}

	var moved int64
	var last float64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fail(job, emit, moved, fmt.Errorf("writing %s: %w", job.DestinationPath, werr))
			}
			moved += int64(n)
			last = percentOf(moved, job.Size)
			job.record(moved, last)
			emit(transferredEvent(job.ID, moved))
			emit(progressEvent(job.ID, last))

			if job.stopRequested() {
				emit(progressEvent(job.ID, 100))
				emit(finishedEvent(job.ID))
				return MoveResult{Outcome: OutcomeCancelled, Bytes: moved}
			}
		}

		if errors.Is(rerr, io.EOF) {
			// The source may have shrunk since its size was declared.
			if last < 100 {
				job.record(moved, 100)
				emit(progressEvent(job.ID, 100))
			}
			emit(finishedEvent(job.ID))
			return MoveResult{Outcome: OutcomeSuccess, Bytes: moved}
		}
		if rerr != nil {
			return fail(job, emit, moved, fmt.Errorf("reading %s: %w", job.SourcePath, rerr))
		}
	}
}

// copyEmpty handles a zero-size source without the chunk loop, keeping the
// same signal shape: exactly one Progress of 100, then Finished.
func (m *Mover) copyEmpty(job *TransferJob, src io.Reader, dst io.Writer, emit Emit) MoveResult {
	n, err := io.Copy(dst, src)
	if err != nil {
		return fail(job, emit, n, fmt.Errorf("copying %s: %w", job.SourcePath, err))
	}

	job.record(n, 100)
	emit(transferredEvent(job.ID, n))
	emit(progressEvent(job.ID, 100))
	emit(finishedEvent(job.ID))

	if job.stopRequested() {
		return MoveResult{Outcome: OutcomeCancelled, Bytes: n}
	}
	return MoveResult{Outcome: OutcomeSuccess, Bytes: n}
}

func fail(job *TransferJob, emit Emit, moved int64, err error) MoveResult {
	emit(Event{Kind: EventFailed, JobID: job.ID, Path: job.DestinationPath, Err: err})
	emit(progressEvent(job.ID, 100))
	emit(finishedEvent(job.ID))
	return MoveResult{Outcome: OutcomeError, Bytes: moved, Err: err}
}

// percentOf never reports more than 100, even when the source grew past its
// declared size.
func percentOf(moved, total int64) float64 {
	pct := float64(moved) * 100 / float64(total)
	if pct > 100 {
		return 100
	}
	return pct
}
