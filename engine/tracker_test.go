package engine

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/franksops/gocopy/store"
)

// memStore keeps copies of saved records, like the bbolt store does.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]store.JobRecord
	saves int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]store.JobRecord)}
}

func (m *memStore) SaveJob(job *store.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	m.saves++
	return nil
}

func (m *memStore) GetJob(id string) (*store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return &job, nil
}

func (m *memStore) ListJobs() ([]*store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*store.JobRecord, 0, len(m.jobs))
	for _, job := range m.jobs {
		job := job
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })
	return jobs, nil
}

func (m *memStore) Close() error { return nil }

// get returns the last saved record for id, or nil.
func (m *memStore) get(id string) *store.JobRecord {
	job, err := m.GetJob(id)
	if err != nil {
		return nil
	}
	return job
}

func TestJobTracker_Lifecycle(t *testing.T) {
	history := newMemStore()
	tracker := NewJobTracker(history, DefaultCheckpointConfig)

	job := &TransferJob{ID: "lifecycle", SourcePath: "/in/a.bin", DestinationPath: "/out/a.bin", Size: 10}
	if err := tracker.Begin(job); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec := history.get("lifecycle")
	if rec.State != store.StatePending || rec.TotalBytes != 10 || rec.DestinationPath != "/out/a.bin" {
		t.Fatalf("Unexpected pending record %+v", rec)
	}

	if err := tracker.Start("lifecycle"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := history.get("lifecycle").State; got != store.StateInProgress {
		t.Errorf("Expected %s, got %s", store.StateInProgress, got)
	}

	if err := tracker.Finish(Result{JobID: "lifecycle", Outcome: OutcomeSuccess, Bytes: 10, Checksum: 0xabc}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	rec = history.get("lifecycle")
	if rec.State != store.StateCompleted || rec.BytesTransferred != 10 || rec.Checksum != 0xabc {
		t.Errorf("Unexpected completed record %+v", rec)
	}
	if len(tracker.live) != 0 {
		t.Errorf("Expected finished job to leave the live set, %d left", len(tracker.live))
	}
}

func TestJobTracker_Finish(t *testing.T) {
	boom := errors.New("disk full")

	tests := []struct {
		name     string
		result   Result
		want     store.JobState
		wantErr  string
		wantHash uint64
	}{
		{"success", Result{Outcome: OutcomeSuccess, Bytes: 5, Checksum: 7}, store.StateCompleted, "", 7},
		{"cancelled", Result{Outcome: OutcomeCancelled, Bytes: 2, Checksum: 7}, store.StateCancelled, "", 0},
		{"duplicate", Result{Outcome: OutcomeDuplicate}, store.StateDuplicate, "", 0},
		{"error", Result{Outcome: OutcomeError, Bytes: 1, Err: boom}, store.StateFailed, "disk full", 0},
		{"unknown outcome", Result{Outcome: Outcome(42)}, store.StateFailed, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := newMemStore()
			tracker := NewJobTracker(history, DefaultCheckpointConfig)
			if err := tracker.Begin(&TransferJob{ID: tt.name}); err != nil {
				t.Fatalf("Begin: %v", err)
			}

			tt.result.JobID = tt.name
			if err := tracker.Finish(tt.result); err != nil {
				t.Fatalf("Finish: %v", err)
			}

			rec := history.get(tt.name)
			if rec.State != tt.want || !rec.State.Terminal() {
				t.Errorf("Expected terminal state %s, got %s", tt.want, rec.State)
			}
			if rec.Error != tt.wantErr {
				t.Errorf("Expected error %q, got %q", tt.wantErr, rec.Error)
			}
			if rec.BytesTransferred != tt.result.Bytes {
				t.Errorf("Expected %d bytes, got %d", tt.result.Bytes, rec.BytesTransferred)
			}
			if rec.Checksum != tt.wantHash {
				t.Errorf("Expected checksum %x, got %x", tt.wantHash, rec.Checksum)
			}
		})
	}
}

func TestJobTracker_LoadsRecordsFromEarlierRuns(t *testing.T) {
	history := newMemStore()
	_ = history.SaveJob(&store.JobRecord{ID: "earlier", SourcePath: "/s", State: store.StateInProgress})
	tracker := NewJobTracker(history, DefaultCheckpointConfig)

	if err := tracker.Finish(Result{JobID: "earlier", Outcome: OutcomeCancelled, Bytes: 3}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	rec := history.get("earlier")
	if rec.State != store.StateCancelled || rec.SourcePath != "/s" {
		t.Errorf("Expected the stored record to be updated in place, got %+v", rec)
	}

	if err := tracker.Start("missing"); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestTrackedWriter_ByteCheckpoint(t *testing.T) {
	history := newMemStore()
	tracker := NewJobTracker(history, CheckpointConfig{BytesInterval: 10, TimeInterval: time.Hour})
	if err := tracker.Begin(&TransferJob{ID: "bytes"}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	tw := tracker.Writer(&buf, "bytes")

	if n, err := tw.Write([]byte("12345")); err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if got := history.get("bytes").BytesTransferred; got != 0 {
		t.Errorf("Expected no checkpoint below the interval, got %d", got)
	}

	if n, err := tw.Write([]byte("678901")); err != nil || n != 6 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if got := history.get("bytes").BytesTransferred; got != 11 {
		t.Errorf("Expected checkpoint at 11 bytes, got %d", got)
	}

	// The next checkpoint counts from the last saved position.
	_, _ = tw.Write([]byte("abc"))
	if got := history.get("bytes").BytesTransferred; got != 11 {
		t.Errorf("Expected checkpoint to stay at 11, got %d", got)
	}

	if tw.Written() != 14 {
		t.Errorf("Expected 14 bytes written, got %d", tw.Written())
	}
	if buf.String() != "12345678901abc" {
		t.Errorf("Underlying writer got %q", buf.String())
	}
}

func TestTrackedWriter_TimeCheckpoint(t *testing.T) {
	history := newMemStore()
	tracker := NewJobTracker(history, CheckpointConfig{BytesInterval: 1 << 30, TimeInterval: time.Minute})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	if err := tracker.Begin(&TransferJob{ID: "clock"}); err != nil {
		t.Fatal(err)
	}
	tw := tracker.Writer(new(bytes.Buffer), "clock")

	_, _ = tw.Write([]byte("abc"))
	if got := history.get("clock").BytesTransferred; got != 0 {
		t.Errorf("Expected no checkpoint yet, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	_, _ = tw.Write([]byte("de"))
	rec := history.get("clock")
	if rec.BytesTransferred != 5 {
		t.Errorf("Expected time-based checkpoint at 5 bytes, got %d", rec.BytesTransferred)
	}
	if !rec.UpdatedAt.Equal(now) {
		t.Errorf("Expected UpdatedAt %v, got %v", now, rec.UpdatedAt)
	}
}

func TestTrackedWriter_EmptyWriteSkipsStore(t *testing.T) {
	history := newMemStore()
	tracker := NewJobTracker(history, CheckpointConfig{BytesInterval: 0, TimeInterval: 0})
	if err := tracker.Begin(&TransferJob{ID: "empty"}); err != nil {
		t.Fatal(err)
	}
	before := history.saves

	tw := tracker.Writer(new(bytes.Buffer), "empty")
	_, _ = tw.Write(nil)
	if history.saves != before {
		t.Errorf("Expected no save for an empty write, got %d", history.saves-before)
	}
}
