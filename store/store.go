// Package store persists the history of transfer jobs in a bbolt file so
// outcomes and checksums can be inspected after the process exits.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrJobNotFound is returned when a job is not found in the history store.
	ErrJobNotFound = errors.New("job not found")
)

var jobsBucket = []byte("jobs")

// lockTimeout bounds how long opening waits for another gcopy process that
// holds the history file.
const lockTimeout = time.Second

// JobState is the recorded lifecycle state of a transfer.
type JobState string

const (
	StatePending    JobState = "Pending"
	StateInProgress JobState = "InProgress"
	StateCompleted  JobState = "Completed"
	StateFailed     JobState = "Failed"
	StateCancelled  JobState = "Cancelled"
	StateDuplicate  JobState = "Duplicate"
)

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateDuplicate:
		return true
	}
	return false
}

// JobRecord is one transfer as stored in the history.
type JobRecord struct {
	ID               string    `json:"id"`
	SourcePath       string    `json:"source_path"`
	DestinationPath  string    `json:"destination_path"`
	State            JobState  `json:"state"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalBytes       int64     `json:"total_bytes"`
	Checksum         uint64    `json:"checksum,omitempty"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store records transfer history.
type Store interface {
	SaveJob(job *JobRecord) error
	GetJob(id string) (*JobRecord, error)
	ListJobs() ([]*JobRecord, error)
	Close() error
}

// BoltStore is a Store backed by a single bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates the history file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating jobs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveJob inserts or replaces job. Concurrent callers from different
// workers are coalesced into shared write transactions.
func (s *BoltStore) SaveJob(job *JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}

	return s.db.Batch(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(jobsBucket).Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("saving job %s: %w", job.ID, err)
		}
		return nil
	})
}

// GetJob returns the record stored under id, or ErrJobNotFound.
func (s *BoltStore) GetJob(id string) (*JobRecord, error) {
	var job *JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(jobsBucket).Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}
		var err error
		job, err = decode(id, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns every recorded job, oldest first.
func (s *BoltStore) ListJobs() ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			job, err := decode(string(k), v)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.Before(jobs[j].StartedAt)
	})
	return jobs, nil
}

// Prune deletes terminal records last updated before cutoff and returns how
// many were removed. Jobs still pending or in progress are kept.
func (s *BoltStore) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			job, err := decode(string(k), v)
			if err != nil {
				return err
			}
			if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Keys are deleted after iterating; bbolt cursors do not survive
		// deletes in the bucket they walk.
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Close releases the history file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func decode(id string, data []byte) (*JobRecord, error) {
	var job JobRecord
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}
