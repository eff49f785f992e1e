// Copyright © 2026 Genome Research Limited
//
//  This file is part of jobdriver.
//
//  jobdriver is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  jobdriver is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with jobdriver. If not, see <http://www.gnu.org/licenses/>.

/*
Package registry records the jobs submitted by the jobdriver command line
tool, so that later invocations can poll and kill them by id.

The registry is a bbolt database file holding one codec-encoded Record per
job, keyed on the driver name and job id.

    import "github.com/VertebrateResequencing/jobdriver/registry"
    reg, err := registry.Open("/home/me/.jobdriver_production/jobs.db")
    err = reg.Put(registry.Record{ID: "1001", Driver: "lsf", RunPath: "/work/run1"})
    rec, err := reg.Get("lsf", "1001")
    reg.Close()
*/
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ugorji/go/codec"
	bolt "go.etcd.io/bbolt"
)

const openTimeout = 5 * time.Second

var bucketJobs = []byte("jobs")

// ErrNotFound is returned by Get() for jobs that were never Put().
var ErrNotFound = errors.New("job not in registry")

// Record is what we remember about a submitted job.
type Record struct {
	ID        string
	Driver    string
	Name      string
	RunPath   string
	User      string
	Submitted time.Time
	Status    string
}

// Registry is an open registry database.
type Registry struct {
	bolt *bolt.DB
	ch   codec.Handle
}

// Open opens (creating if necessary) the registry database at the given path.
// Only one process can have it open at once; others wait a few seconds before
// failing.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	boltdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("could not open registry %s: %w", path, err)
	}

	err = boltdb.Update(func(tx *bolt.Tx) error {
		if _, errc := tx.CreateBucketIfNotExists(bucketJobs); errc != nil {
			return fmt.Errorf("create bucket %s: %w", bucketJobs, errc)
		}
		return nil
	})
	if err != nil {
		boltdb.Close()
		return nil, err
	}

	return &Registry{bolt: boltdb, ch: new(codec.BincHandle)}, nil
}

func recordKey(driverName, id string) []byte {
	return []byte(driverName + "\x00" + id)
}

// Put stores the record, replacing any previous one for the same driver and
// id.
func (r *Registry) Put(rec Record) error {
	var encoded []byte
	enc := codec.NewEncoderBytes(&encoded, r.ch)
	if err := enc.Encode(rec); err != nil {
		return err
	}

	return r.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put(recordKey(rec.Driver, rec.ID), encoded)
	})
}

// Get returns the record for the given driver and job id, or ErrNotFound.
func (r *Registry) Get(driverName, id string) (Record, error) {
	var rec Record

	err := r.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketJobs).Get(recordKey(driverName, id))
		if v == nil {
			return ErrNotFound
		}
		return r.decode(v, &rec)
	})

	return rec, err
}

// decode must be called within a transaction; v is not kept.
func (r *Registry) decode(v []byte, rec *Record) error {
	dec := codec.NewDecoderBytes(v, r.ch)
	return dec.Decode(rec)
}

// SetStatus updates the last seen status of a job.
func (r *Registry) SetStatus(driverName, id, status string) error {
	rec, err := r.Get(driverName, id)
	if err != nil {
		return err
	}

	rec.Status = status

	return r.Put(rec)
}

// Delete forgets about a job. It is not an error if the job wasn't there.
func (r *Registry) Delete(driverName, id string) error {
	return r.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(recordKey(driverName, id))
	})
}

// List returns all records, oldest submission first.
func (r *Registry) List() ([]Record, error) {
	var recs []Record

	err := r.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var rec Record
			if err := r.decode(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Submitted.Before(recs[j].Submitted)
	})

	return recs, nil
}

// Close closes the database; call it before exiting.
func (r *Registry) Close() error {
	return r.bolt.Close()
}
