package engine

import "fmt"

// EventKind identifies what a job (or the coordinator) is reporting.
type EventKind int

const (
	// EventProgress carries the job's completion percentage (0-100).
	EventProgress EventKind = iota + 1
	// EventTransferred carries the cumulative bytes written by the job.
	EventTransferred
	// EventDuplicate carries a destination path that already existed.
	EventDuplicate
	// EventFailed carries the error that ended a job.
	EventFailed
	// EventFinished is the last event every job emits.
	EventFinished
	// EventBatchComplete has no job; it fires when a batch drains.
	EventBatchComplete
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventTransferred:
		return "transferred"
	case EventDuplicate:
		return "duplicate"
	case EventFailed:
		return "failed"
	case EventFinished:
		return "finished"
	case EventBatchComplete:
		return "batch_complete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a one-way notification from a running job to whoever aggregates
// it. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	JobID   string
	Percent float64
	Bytes   int64
	Path    string
	Err     error
}

// Emit delivers an event. Jobs call it from their worker goroutine.
type Emit func(Event)

func progressEvent(id string, percent float64) Event {
	return Event{Kind: EventProgress, JobID: id, Percent: percent}
}

func transferredEvent(id string, bytes int64) Event {
	return Event{Kind: EventTransferred, JobID: id, Bytes: bytes}
}

func finishedEvent(id string) Event {
	return Event{Kind: EventFinished, JobID: id}
}

// Outcome classifies how a job ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeCancelled
	OutcomeError
	// OutcomeDuplicate means the destination existed and nothing was copied.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeError:
		return "error"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
