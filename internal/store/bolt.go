package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Bolt keeps each collection in its own bucket.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "creating database directory")
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt database")
	}
	return &Bolt{db: db}, nil
}

// Collection returns the named collection, creating its bucket.
func (b *Bolt) Collection(name string) (KV, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating bucket %s", name)
	}
	return &boltCollection{db: b.db, bucket: []byte(name)}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

type boltCollection struct {
	db     *bolt.DB
	bucket []byte
}

func (c *boltCollection) Get(_ context.Context, key string) (value []byte, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(c.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt values are only valid for the life of the transaction
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	return
}

func (c *boltCollection) Put(_ context.Context, key string, value []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucket).Put([]byte(key), value)
	})
}

func (c *boltCollection) Create(_ context.Context, key string, value []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(c.bucket)
		if bucket.Get([]byte(key)) != nil {
			return ErrExists
		}
		return bucket.Put([]byte(key), value)
	})
}

func (c *boltCollection) List(_ context.Context) ([]KeyValue, error) {
	var out []KeyValue
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucket).ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			out = append(out, KeyValue{Key: string(k), Value: value})
			return nil
		})
	})
	return out, err
}
