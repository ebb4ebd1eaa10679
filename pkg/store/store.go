package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opensafely-core/job-runner/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs     = []byte("jobs")
	bucketRequests = []byte("job_requests")
)

// Store is the single-writer persistent table of jobs and job requests.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures both buckets exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketRequests} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// JobFilter selects jobs for FindJobs/ExistsJob/CountJobs. A zero-valued
// field means "no constraint on this field"; slice fields implement
// set-membership ("IN") matching.
type JobFilter struct {
	Workspace      string
	Action         string
	Status         []types.State
	JobRequestID   string
	JobRequestIDIn []string
	IDIn           []string
}

func (f JobFilter) matches(j *types.Job) bool {
	if f.Workspace != "" && j.Workspace != f.Workspace {
		return false
	}
	if f.Action != "" && j.Action != f.Action {
		return false
	}
	if len(f.Status) > 0 && !stateIn(f.Status, j.Status) {
		return false
	}
	if f.JobRequestID != "" && j.JobRequestID != f.JobRequestID {
		return false
	}
	if len(f.JobRequestIDIn) > 0 && !stringIn(f.JobRequestIDIn, j.JobRequestID) {
		return false
	}
	if len(f.IDIn) > 0 && !stringIn(f.IDIn, j.ID) {
		return false
	}
	return true
}

func stateIn(set []types.State, v types.State) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func stringIn(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Tx is a single read-write transaction, handed to the callback passed to
// Transaction. All inserts performed through it commit or discard together.
type Tx struct {
	btx *bolt.Tx
}

// Transaction runs fn inside one atomic bbolt read-write transaction. If fn
// returns an error, every write performed through tx is rolled back.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// InsertJob inserts a new job row within the transaction.
func (tx *Tx) InsertJob(job *types.Job) error {
	return putJSON(tx.btx.Bucket(bucketJobs), job.ID, job)
}

// InsertSavedJobRequest inserts a new job_request row within the
// transaction.
func (tx *Tx) InsertSavedJobRequest(req *types.SavedJobRequest) error {
	return putJSON(tx.btx.Bucket(bucketRequests), req.ID, req)
}

// FindJobs reads jobs matching filter, including any inserted earlier in
// the same transaction (bbolt read-write transactions see their own
// writes), which is what lets the expander dedup against sibling actions
// it has already scheduled earlier in the same request.
func (tx *Tx) FindJobs(filter JobFilter) ([]*types.Job, error) {
	return scanJobs(tx.btx.Bucket(bucketJobs), filter)
}

// ExistsJobRequest reports whether a job_request with this id already
// exists, as seen within the transaction.
func (tx *Tx) ExistsJobRequest(id string) (bool, error) {
	data := tx.btx.Bucket(bucketRequests).Get([]byte(id))
	return data != nil, nil
}

// ExistsJobForRequest reports whether any job already references
// jobRequestID, as seen within the transaction.
func (tx *Tx) ExistsJobForRequest(jobRequestID string) (bool, error) {
	jobs, err := tx.FindJobs(JobFilter{JobRequestID: jobRequestID})
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// InsertJob inserts a new job row in its own transaction.
func (s *Store) InsertJob(job *types.Job) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return putJSON(btx.Bucket(bucketJobs), job.ID, job)
	})
}

// InsertSavedJobRequest inserts a new job_request row in its own
// transaction.
func (s *Store) InsertSavedJobRequest(req *types.SavedJobRequest) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return putJSON(btx.Bucket(bucketRequests), req.ID, req)
	})
}

// GetJob looks up a single job by id.
func (s *Store) GetJob(id string) (*types.Job, bool, error) {
	var job types.Job
	found := false
	err := s.db.View(func(btx *bolt.Tx) error {
		data := btx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &job, true, nil
}

// GetSavedJobRequest looks up a single job_request by id.
func (s *Store) GetSavedJobRequest(id string) (*types.SavedJobRequest, bool, error) {
	var req types.SavedJobRequest
	found := false
	err := s.db.View(func(btx *bolt.Tx) error {
		data := btx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &req, true, nil
}

// FindJobs returns every job matching filter.
func (s *Store) FindJobs(filter JobFilter) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		jobs, err = scanJobs(btx.Bucket(bucketJobs), filter)
		return err
	})
	return jobs, err
}

// ExistsJob reports whether any job matches filter.
func (s *Store) ExistsJob(filter JobFilter) (bool, error) {
	jobs, err := s.FindJobs(filter)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// CountJobs returns the number of jobs matching filter.
func (s *Store) CountJobs(filter JobFilter) (int, error) {
	jobs, err := s.FindJobs(filter)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// SelectStatuses returns the status of each job in ids, in no particular
// order, skipping any id that no longer exists. This is the one place
// spec's generic select_values(column, filters) operation is actually
// exercised (the run loop's "status of each awaited job").
func (s *Store) SelectStatuses(ids []string) ([]types.State, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	jobs, err := s.FindJobs(JobFilter{IDIn: ids})
	if err != nil {
		return nil, err
	}
	statuses := make([]types.State, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, j.Status)
	}
	return statuses, nil
}

// UpdateJob reads the job, applies mutate, and writes it back atomically.
// This is the Go equivalent of spec's update(fields): rather than naming
// columns, the caller's closure is the set of fields that change.
func (s *Store) UpdateJob(id string, mutate func(*types.Job)) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s not found", id)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decoding job %s: %w", id, err)
		}
		mutate(&job)
		job.UpdatedAt = time.Now()
		return putJSON(b, id, &job)
	})
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func scanJobs(b *bolt.Bucket, filter JobFilter) ([]*types.Job, error) {
	var jobs []*types.Job
	err := b.ForEach(func(k, v []byte) error {
		var job types.Job
		if err := json.Unmarshal(v, &job); err != nil {
			return fmt.Errorf("decoding job %s: %w", k, err)
		}
		if filter.matches(&job) {
			jobs = append(jobs, &job)
		}
		return nil
	})
	return jobs, err
}
