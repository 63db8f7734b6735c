package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/opensafely-core/job-runner/internal/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobRequest = []byte("job_request")
	bucketJob        = []byte("job")
	bucketFlag       = []byte("flags")
	bucketTask       = []byte("task")
	bucketMeta       = []byte("meta")

	// Secondary indexes maintained transactionally alongside the
	// primary write, so the run loop's state/backend-filtered hot
	// queries don't degrade to a full bucket scan as the table grows.
	// Keys are "<indexed value>\x00<job id>"; values are empty.
	bucketJobByState        = []byte("job_by_state")
	bucketJobByBackend      = []byte("job_by_backend")
	bucketJobByJobRequestID = []byte("job_by_job_request_id")
	bucketJobByWorkspace    = []byte("job_by_workspace")

	metaKeySchemaVersion = []byte("schema_version")
)

var allBuckets = [][]byte{
	bucketJobRequest, bucketJob, bucketFlag, bucketTask, bucketMeta,
	bucketJobByState, bucketJobByBackend, bucketJobByJobRequestID, bucketJobByWorkspace,
}

// BoltStore implements Store using go.etcd.io/bbolt: one bucket per
// entity type, secondary index buckets, and a predicate-based find.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) the single database file at path,
// creates any missing buckets, and runs pending migrations inside one
// transaction.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return applyMigrations(tx)
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func compositeKey(indexed, id string) []byte {
	return append(append([]byte(indexed), 0), []byte(id)...)
}

func indexPrefix(indexed string) []byte {
	return append([]byte(indexed), 0)
}

// --- JobRequest -------------------------------------------------------

func (s *BoltStore) InsertJobRequest(jr *types.JobRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJobRequest(tx, jr)
	})
}

func putJobRequest(tx *bolt.Tx, jr *types.JobRequest) error {
	data, err := json.Marshal(jr)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobRequest).Put([]byte(jr.ID), data)
}

func (s *BoltStore) GetJobRequest(id string) (*types.JobRequest, error) {
	var jr types.JobRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobRequest).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job request not found: %s", id)
		}
		return json.Unmarshal(data, &jr)
	})
	if err != nil {
		return nil, err
	}
	return &jr, nil
}

func (s *BoltStore) ExistsJobRequest(id string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketJobRequest).Get([]byte(id)) != nil
		return nil
	})
	return exists, err
}

// --- Job ----------------------------------------------------------------

func (s *BoltStore) InsertJob(j *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx, j)
	})
}

func (s *BoltStore) UpdateJob(j *types.Job) error {
	return s.InsertJob(j) // upsert
}

func putJob(tx *bolt.Tx, j *types.Job) error {
	// Drop stale index entries for this Job ID before reindexing: a
	// Job's state/backend/workspace can change across its lifetime even
	// though its ID never does.
	if err := deleteJobIndexEntries(tx, j.ID); err != nil {
		return err
	}

	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketJob).Put([]byte(j.ID), data); err != nil {
		return err
	}

	if err := tx.Bucket(bucketJobByState).Put(compositeKey(string(j.State), j.ID), nil); err != nil {
		return err
	}
	if err := tx.Bucket(bucketJobByBackend).Put(compositeKey(j.Backend, j.ID), nil); err != nil {
		return err
	}
	if err := tx.Bucket(bucketJobByJobRequestID).Put(compositeKey(j.JobRequestID, j.ID), nil); err != nil {
		return err
	}
	return tx.Bucket(bucketJobByWorkspace).Put(compositeKey(j.Workspace, j.ID), nil)
}

func deleteJobIndexEntries(tx *bolt.Tx, jobID string) error {
	existing := tx.Bucket(bucketJob).Get([]byte(jobID))
	if existing == nil {
		return nil
	}
	var prev types.Job
	if err := json.Unmarshal(existing, &prev); err != nil {
		return err
	}
	if err := tx.Bucket(bucketJobByState).Delete(compositeKey(string(prev.State), jobID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketJobByBackend).Delete(compositeKey(prev.Backend, jobID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketJobByJobRequestID).Delete(compositeKey(prev.JobRequestID, jobID)); err != nil {
		return err
	}
	return tx.Bucket(bucketJobByWorkspace).Delete(compositeKey(prev.Workspace, jobID))
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var j types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJob).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &j)
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *BoltStore) FindJobsWhere(pred Predicate) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJob).ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if pred == nil || pred(&j) {
				jobs = append(jobs, &j)
			}
			return nil
		})
	})
	return jobs, err
}

// FindOneJobWhere returns the first Job (in ID order) matching pred, or
// nil when none does.
func (s *BoltStore) FindOneJobWhere(pred Predicate) (*types.Job, error) {
	jobs, err := s.FindJobsWhere(pred)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// CountJobsWhere counts Jobs matching pred without materialising them
// for the caller.
func (s *BoltStore) CountJobsWhere(pred Predicate) (int, error) {
	jobs, err := s.FindJobsWhere(pred)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (s *BoltStore) findJobsByIndex(index []byte, value string) ([]*types.Job, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(index).Cursor()
		prefix := indexPrefix(value)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(id)
		if err != nil {
			continue // index/primary drift should never happen but don't crash a scan over it
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *BoltStore) FindJobsByState(state types.State) ([]*types.Job, error) {
	return s.findJobsByIndex(bucketJobByState, string(state))
}

func (s *BoltStore) FindJobsByBackend(backend string) ([]*types.Job, error) {
	return s.findJobsByIndex(bucketJobByBackend, backend)
}

func (s *BoltStore) FindJobsByJobRequestID(jobRequestID string) ([]*types.Job, error) {
	return s.findJobsByIndex(bucketJobByJobRequestID, jobRequestID)
}

func (s *BoltStore) FindJobsByWorkspace(workspace string) ([]*types.Job, error) {
	return s.findJobsByIndex(bucketJobByWorkspace, workspace)
}

// --- Flag -----------------------------------------------------------------

func flagKey(id, backend string) []byte {
	return []byte(backend + "\x00" + id)
}

func (s *BoltStore) GetFlag(id, backend string) (*types.Flag, error) {
	var f types.Flag
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFlag).Get(flagKey(id, backend))
		if data == nil {
			f = types.Flag{ID: id, Backend: backend}
			return nil
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) SetFlag(f *types.Flag) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFlag).Put(flagKey(f.ID, f.Backend), data)
	})
}

// --- Task -------------------------------------------------------------------

func (s *BoltStore) InsertTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx, t)
	})
}

func (s *BoltStore) UpdateTask(t *types.Task) error {
	return s.InsertTask(t)
}

func putTask(tx *bolt.Tx, t *types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTask).Put([]byte(t.ID), data)
}

func (s *BoltStore) FindTasksWhere(pred Predicate) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTask).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if pred == nil || pred(&t) {
				tasks = append(tasks, &t)
			}
			return nil
		})
	})
	return tasks, err
}

// --- Composite writes & transactions ----------------------------------------

func (s *BoltStore) InsertJobRequestAndJobs(jr *types.JobRequest, jobs []*types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJobRequest(tx, jr); err != nil {
			return err
		}
		for _, j := range jobs {
			if err := putJob(tx, j); err != nil {
				return err
			}
		}
		return nil
	})
}

type boltTx struct{ tx *bolt.Tx }

func (t *boltTx) GetJob(id string) (*types.Job, error) {
	data := t.tx.Bucket(bucketJob).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	var j types.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (t *boltTx) PutJob(j *types.Job) error { return putJob(t.tx, j) }

func (t *boltTx) PutTask(task *types.Task) error { return putTask(t.tx, task) }

func (t *boltTx) FindJobsWhere(pred Predicate) ([]*types.Job, error) {
	var jobs []*types.Job
	err := t.tx.Bucket(bucketJob).ForEach(func(k, v []byte) error {
		var j types.Job
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		if pred == nil || pred(&j) {
			jobs = append(jobs, &j)
		}
		return nil
	})
	return jobs, err
}

func (s *BoltStore) Transaction(fn func(tx Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}
