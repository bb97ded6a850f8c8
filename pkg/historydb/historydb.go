// Package historydb persists completed job records and unit-failure events
// to a bbolt database, for post-mortem inspection after the manager itself
// has moved on (the live Job/Unit state is in-memory only, per §5's
// single-threaded model; this is the durable trail behind it). The
// bucket-per-entity, JSON-marshal-per-record shape is adapted directly from
// pkg/storage/boltdb.go's BoltStore.
package historydb

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/unitd/pkg/unit"
)

var (
	bucketJobs    = []byte("jobs")
	bucketFailures = []byte("failures")
)

// JobRecord is a terminal job outcome, written once Notify finishes it.
type JobRecord struct {
	ID         uint64        `json:"id"`
	UnitID     string        `json:"unit_id"`
	Type       unit.JobType  `json:"type"`
	Mode       unit.JobMode  `json:"mode"`
	Outcome    unit.JobOutcome `json:"outcome"`
	FinishedAt time.Time     `json:"finished_at"`
}

// FailureRecord is written whenever a unit enters the Failed active state.
type FailureRecord struct {
	UnitID string    `json:"unit_id"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// DB wraps a bbolt handle scoped to the two history buckets.
type DB struct {
	db *bolt.DB
}

// Open creates/opens historydb.db under dataDir.
func Open(dataDir string) (*DB, error) {
	path := filepath.Join(dataDir, "historydb.db")
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("historydb: open: %w", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketFailures} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("historydb: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return &DB{db: bdb}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// RecordJob appends a finished job's outcome, keyed by a zero-padded job ID
// so a bucket scan iterates in job-ID order. IDs are allocated when a job is
// enqueued, so that is enqueue order, not completion order.
func (d *DB) RecordJob(r JobRecord) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(jobKey(r.ID), data)
	})
}

func jobKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// ListJobs returns every recorded job outcome for unitID in job-ID (enqueue)
// order (bolt iterates keys in byte-sorted order, and jobKey zero-pads so
// that order is numeric).
func (d *DB) ListJobs(unitID string) ([]JobRecord, error) {
	var out []JobRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var r JobRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if unitID == "" || r.UnitID == unitID {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}

// RecordFailure appends a unit-failure event.
func (d *DB) RecordFailure(r FailureRecord) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailures)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%s/%020d", r.UnitID, r.At.UnixNano()))
		return b.Put(key, data)
	})
}

// ListFailures returns every recorded failure for unitID.
func (d *DB) ListFailures(unitID string) ([]FailureRecord, error) {
	var out []FailureRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailures)
		return b.ForEach(func(k, v []byte) error {
			var r FailureRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if unitID == "" || r.UnitID == unitID {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}
