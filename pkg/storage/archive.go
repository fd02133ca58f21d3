// Package storage persists replica snapshots to disk so a process that
// restarts can rejoin a configuration without a fork from a live peer. It
// is adapted from the teacher's BoltDB-backed pkg/storage, trimmed to the
// one thing the replication core actually needs archived: the gob blob
// replica.Snapshot already produces for Export/Import, keyed by replica
// name. There is no write-ahead log here -- this replication core has no
// consensus log to replay, only the current state each replica's protocol
// and state machine hold, so wal.go's append-only entry store has nothing
// to adapt to and is dropped (see DESIGN.md).
package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	snapshotBucket = []byte("snapshots")
	historyBucket  = []byte("snapshot_history")
)

// Record is what Archive stores per replica name: the raw gob bytes a
// replica's ExportCmd produced (a gob-encoded replica.Snapshot), plus
// enough bookkeeping to prune history and report freshness.
type Record struct {
	Name      string
	Version   uint64
	Data      []byte
	StoredAt  time.Time
}

// Archive is a BoltDB-backed store of the latest snapshot per replica name,
// with a bounded history of prior versions retained for rollback/audit.
// Grounded on the teacher's BoltStore (pkg/storage/store.go): a single
// *bolt.DB opened once, a small fixed bucket set created up front, and a
// RWMutex around the handful of operations that are not already
// serialised by bbolt's own single-writer transactions (List/Prune read
// across a scan that should observe one consistent bucket layout).
type Archive struct {
	db           *bolt.DB
	mu           sync.RWMutex
	maxHistory   int
}

// Open opens (creating if necessary) a BoltDB file at path and ensures its
// buckets exist. maxHistory bounds how many prior versions of a given
// replica's snapshot Prune keeps beyond the latest.
func Open(path string, maxHistory int) (*Archive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(historyBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	if maxHistory <= 0 {
		maxHistory = 5
	}
	return &Archive{db: db, maxHistory: maxHistory}, nil
}

// Close releases the underlying BoltDB file.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Save records data (a gob-encoded replica.Snapshot) as name's snapshot at
// version, replacing whatever was previously latest for name and pushing
// it into history.
func (a *Archive) Save(name string, version uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.db.Update(func(tx *bolt.Tx) error {
		latest := tx.Bucket(snapshotBucket)
		history := tx.Bucket(historyBucket)

		if prev := latest.Get([]byte(name)); prev != nil {
			prevVersion := versionOf(prev)
			if err := history.Put(historyKey(name, prevVersion), prev); err != nil {
				return err
			}
		}

		rec := encodeRecord(Record{Name: name, Version: version, Data: data, StoredAt: time.Now()})
		if err := latest.Put([]byte(name), rec); err != nil {
			return err
		}
		return pruneHistory(history, name, a.maxHistory)
	})
}

// Load returns the latest snapshot recorded for name.
func (a *Archive) Load(name string) (Record, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var rec Record
	var found bool
	err := a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotBucket).Get([]byte(name))
		if raw == nil {
			return nil
		}
		found = true
		rec = decodeRecord(raw)
		return nil
	})
	return rec, found, err
}

// LoadVersion returns a specific historical version of name's snapshot, if
// it has not been pruned.
func (a *Archive) LoadVersion(name string, version uint64) (Record, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var rec Record
	var found bool
	err := a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(historyBucket).Get(historyKey(name, version))
		if raw == nil {
			return nil
		}
		found = true
		rec = decodeRecord(raw)
		return nil
	})
	return rec, found, err
}

// Names returns every replica name with a stored snapshot.
func (a *Archive) Names() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var names []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Delete removes name's latest snapshot and all of its retained history,
// e.g. once StopReplica has permanently retired that replica.
func (a *Archive) Delete(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(snapshotBucket).Delete([]byte(name)); err != nil {
			return err
		}
		return pruneHistory(tx.Bucket(historyBucket), name, 0)
	})
}

func pruneHistory(history *bolt.Bucket, name string, keep int) error {
	prefix := []byte(name + "\x00")
	c := history.Cursor()

	var versions []uint64
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		versions = append(versions, binary.BigEndian.Uint64(k[len(prefix):]))
	}
	if len(versions) <= keep {
		return nil
	}
	// versions are seen in ascending key order because historyKey encodes
	// version big-endian; drop the oldest ones beyond keep.
	for _, v := range versions[:len(versions)-keep] {
		if err := history.Delete(historyKey(name, v)); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func historyKey(name string, version uint64) []byte {
	key := append([]byte(name+"\x00"), make([]byte, 8)...)
	binary.BigEndian.PutUint64(key[len(name)+1:], version)
	return key
}

// encodeRecord/decodeRecord/versionOf use a small fixed layout (8-byte
// version, 8-byte unix-nano timestamp, then the raw snapshot bytes) rather
// than gob or JSON: the payload is already an opaque gob blob produced by
// protocol.GobEncode, and double-encoding it would only cost space.
func encodeRecord(r Record) []byte {
	buf := make([]byte, 16+len(r.Data))
	binary.BigEndian.PutUint64(buf[0:8], r.Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.StoredAt.UnixNano()))
	copy(buf[16:], r.Data)
	return buf
}

func decodeRecord(buf []byte) Record {
	return Record{
		Version:  binary.BigEndian.Uint64(buf[0:8]),
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(buf[8:16]))),
		Data:     append([]byte(nil), buf[16:]...),
	}
}

func versionOf(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf[0:8])
}
