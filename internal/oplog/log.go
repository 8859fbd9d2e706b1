// Package oplog implements the persistent, append-only operation log
// (spec §4.3): an ordered map from HLC string to operation record, plus
// the single-slot binary SQL snapshot and a small meta key/value bucket
// (spec §6, "Persisted state layout").
//
// It is backed by go.etcd.io/bbolt, an embedded B+tree store whose
// buckets are byte-sorted — exactly the "ordered map... key-ordered
// store" contract spec §4.3 asks for, and the same durability guarantee
// (fsync'd, crash-safe writes) the teacher's own WAL+snapshot pair
// provides, without hand-rolling the file format.
package oplog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kholbekj/ledger/internal/ops"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOperations = []byte("operations")
	bucketDatabase   = []byte("database")
	bucketMeta       = []byte("meta")

	keySnapshot = []byte("snapshot")
)

// ErrClosed is returned by any Log method called after Close.
var ErrClosed = errors.New("oplog: log is closed")

// Log is the persistent operation log. It is safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	closed bool
	db     *bolt.DB
}

// Open opens (creating if necessary) a Log at path.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOperations, bucketDatabase, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: init buckets: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying file handle. Calling Close again (or
// any other method) afterward returns ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return l.db.Close()
}

// checkOpen returns ErrClosed if Close has already been called.
func (l *Log) checkOpen() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// Append persists op, keyed by hlc_string(op.HLC). Appending the same
// key twice with an identical payload is a no-op; appending the same key
// with a different payload silently overwrites (spec §4.3: "idempotent
// on duplicate key").
func (l *Log) Append(op ops.Operation) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("oplog: marshal op %s: %w", op.Key(), err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		return b.Put([]byte(op.Key()), data)
	})
}

// Has reports whether cursor is present as a key in the log, so a
// caller can distinguish "nothing newer than this" from "this key was
// never in the log at all".
func (l *Log) Has(cursor string) (bool, error) {
	if err := l.checkOpen(); err != nil {
		return false, err
	}
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketOperations).Get([]byte(cursor)) != nil
		return nil
	})
	return found, err
}

// Since returns every entry with key strictly greater than cursor, in
// key order. An empty cursor means "from the beginning".
func (l *Log) Since(cursor string) ([]ops.Operation, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	var out []ops.Operation
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			// Seek lands on cursor itself (if present) or the next key
			// after it; either way we must skip anything <= cursor.
			k, v = c.Seek([]byte(cursor))
			if k != nil && bytes.Equal(k, []byte(cursor)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			var op ops.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("oplog: unmarshal op %s: %w", string(k), err)
			}
			out = append(out, op)
		}
		return nil
	})
	return out, err
}

// Count returns the number of entries currently in the log.
func (l *Log) Count() (uint64, error) {
	if err := l.checkOpen(); err != nil {
		return 0, err
	}
	var n uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(bucketOperations).Stats().KeyN)
		return nil
	})
	return n, err
}

// SnapshotDB overwrites the single binary SQL snapshot slot.
func (l *Log) SnapshotDB(data []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatabase).Put(keySnapshot, data)
	})
}

// LoadDB returns the stored snapshot, if one has ever been written.
func (l *Log) LoadDB() ([]byte, bool, error) {
	if err := l.checkOpen(); err != nil {
		return nil, false, err
	}
	var data []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDatabase).Get(keySnapshot)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, data != nil, err
}

// MetaGet reads a key from the meta bucket (spec §6: "for future use").
func (l *Log) MetaGet(key string) ([]byte, bool, error) {
	if err := l.checkOpen(); err != nil {
		return nil, false, err
	}
	var data []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, data != nil, err
}

// MetaPut writes a key to the meta bucket.
func (l *Log) MetaPut(key string, value []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}
