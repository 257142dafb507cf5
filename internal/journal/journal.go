// Package journal persists completed drops in a bbolt file so an
// interrupted download can skip finished buckets.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/pipeline"
	"github.com/tanq16/bucket/internal/planner"
	bolt "go.etcd.io/bbolt"
)

var dropsBucket = []byte("drops")

// Entry is the stored record of one written drop.
type Entry struct {
	Distribution string    `json:"distribution"`
	Version      string    `json:"version"`
	Filename     string    `json:"filename"`
	Index        int       `json:"index"`
	Length       int64     `json:"length"`
	Checksum     string    `json:"checksum"`
	Digest       string    `json:"digest"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Verified reports whether the written bytes matched the manifest.
func (e Entry) Verified() bool {
	return e.Checksum == e.Digest
}

type Journal struct {
	db  *bolt.DB
	now func() time.Time
}

func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dropsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, now: time.Now}, nil
}

func key(distribution, version, filename string, index int) []byte {
	return fmt.Appendf(nil, "%s\x00%s\x00%s\x00%d", distribution, version, filename, index)
}

// Record stores every drop of a completed bucket in a single transaction.
func (j *Journal) Record(bucket planner.Bucket, digests []pipeline.Digest) error {
	if len(digests) != len(bucket.Drops) {
		return fmt.Errorf("journal: %d digests for %d drops", len(digests), len(bucket.Drops))
	}
	completedAt := j.now().UTC()
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dropsBucket)
		for i, drop := range bucket.Drops {
			encoded, err := json.Marshal(Entry{
				Distribution: bucket.DistributionID,
				Version:      bucket.Version,
				Filename:     drop.Filename,
				Index:        drop.Index,
				Length:       drop.Length,
				Checksum:     drop.Checksum,
				Digest:       digests[i].Hex(),
				CompletedAt:  completedAt,
			})
			if err != nil {
				return err
			}
			if err := b.Put(key(bucket.DistributionID, bucket.Version, drop.Filename, drop.Index), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// Lookup returns the entry for one drop, if recorded.
func (j *Journal) Lookup(distribution, version, filename string, index int) (Entry, bool, error) {
	var entry Entry
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(dropsBucket).Get(key(distribution, version, filename, index))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

// Entries returns every recorded drop of a distribution in key order.
func (j *Journal) Entries(distribution string) ([]Entry, error) {
	var entries []Entry
	prefix := []byte(distribution + "\x00")
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dropsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// Pending drops every bucket whose drops are all recorded with a verified
// digest and an unchanged length.
func (j *Journal) Pending(buckets []planner.Bucket) ([]planner.Bucket, error) {
	pending := make([]planner.Bucket, 0, len(buckets))
	for _, bucket := range buckets {
		done := true
		for _, drop := range bucket.Drops {
			entry, ok, err := j.Lookup(bucket.DistributionID, bucket.Version, drop.Filename, drop.Index)
			if err != nil {
				return nil, err
			}
			if !ok || !entry.Verified() || entry.Length != drop.Length || entry.Checksum != drop.Checksum {
				done = false
				break
			}
		}
		if !done {
			pending = append(pending, bucket)
		}
	}
	if skipped := len(buckets) - len(pending); skipped > 0 {
		log.Info().Str("op", "journal/pending").Msgf("Skipping %d buckets already completed", skipped)
	}
	return pending, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
