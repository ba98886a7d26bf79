package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// BoltBackend stores records in bbolt, one bucket per collection. Each
// transaction is fsynced before Update returns.
type BoltBackend struct {
	db     *bolt.DB
	path   string
	logger *logx.Logger
}

// NewBoltBackend opens (or creates) the database at path
func NewBoltBackend(path string, logger *logx.Logger) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	bb := &BoltBackend{db: db, path: path, logger: logger}
	if err := bb.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue buckets: %w", err)
	}

	logger.Info("bolt_queue_opened", "path", path)
	return bb, nil
}

func (bb *BoltBackend) initializeBuckets() error {
	return bb.db.Update(func(tx *bolt.Tx) error {
		for _, c := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", c, err)
			}
		}
		return nil
	})
}

func bucketFor(tx *bolt.Tx, c pkg.Collection) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(c))
	if bucket == nil {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	return bucket, nil
}

// Put implements Backend
func (bb *BoltBackend) Put(c pkg.Collection, id string, value []byte) error {
	return bb.db.Update(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, c)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), value)
	})
}

// Get implements Backend
func (bb *BoltBackend) Get(c pkg.Collection, id string) ([]byte, error) {
	var out []byte
	err := bb.db.View(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, c)
		if err != nil {
			return err
		}
		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// ForEach implements Backend
func (bb *BoltBackend) ForEach(c pkg.Collection, fn func(id string, value []byte) error) error {
	return bb.db.View(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, c)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Update implements Backend
func (bb *BoltBackend) Update(c pkg.Collection, id string, fn func(value []byte) ([]byte, error)) error {
	return bb.db.Update(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, c)
		if err != nil {
			return err
		}
		current := bucket.Get([]byte(id))
		if current == nil {
			return ErrNotFound
		}
		next, err := fn(append([]byte(nil), current...))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), next)
	})
}

// Purge implements Backend
func (bb *BoltBackend) Purge(c pkg.Collection, match func(value []byte) bool) (int, error) {
	deleted := 0
	err := bb.db.Update(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, c)
		if err != nil {
			return err
		}

		var keys [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if match(v) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Close implements Backend
func (bb *BoltBackend) Close() error {
	return bb.db.Close()
}
