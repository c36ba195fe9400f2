package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mhbvr/photostore"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

const (
	metaBucket  = "meta"
	photoBucket = "photos"
	indexBucket = "photos_by_timestamp"

	versionKey = "version"

	// How long Destroy waits for the file lock before reporting the delete as blocked
	destroyProbeTimeout = 10 * time.Millisecond
)

// Backend implements photostore.Backend using a single bbolt file
type Backend struct {
	path        string
	lockTimeout time.Duration
}

// New creates a Backend for the database file at dbPath. Open waits up to
// lockTimeout for the file lock; zero waits forever.
func New(dbPath string, lockTimeout time.Duration) *Backend {
	return &Backend{
		path:        dbPath,
		lockTimeout: lockTimeout,
	}
}

func (b *Backend) Name() string {
	return b.path
}

func (b *Backend) Open(ctx context.Context, version int) (photostore.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := bolt.Open(b.path, 0600, &bolt.Options{Timeout: b.lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}

		onDisk := 0
		if v := meta.Get([]byte(versionKey)); len(v) == 8 {
			onDisk = int(binary.BigEndian.Uint64(v))
		}
		if onDisk > version {
			return fmt.Errorf("database is at version %d, requested %d: %w", onDisk, version, photostore.ErrVersionConflict)
		}
		if onDisk == version {
			return nil
		}

		// New database or version bump: the collection and its index are declared from scratch.
		for _, name := range []string{photoBucket, indexBucket} {
			if tx.Bucket([]byte(name)) != nil {
				if err := tx.DeleteBucket([]byte(name)); err != nil {
					return fmt.Errorf("failed to drop bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(version))
		return meta.Put([]byte(versionKey), v)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDB{
		db:      db,
		version: version,
	}, nil
}

func (b *Backend) Destroy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	// Taking the file lock is the only way to learn whether a connection is still open.
	db, err := bolt.Open(b.path, 0600, &bolt.Options{Timeout: destroyProbeTimeout})
	if errors.Is(err, berrors.ErrTimeout) {
		return photostore.ErrDeleteBlocked
	}
	if err == nil {
		db.Close()
	}

	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove bbolt database: %w", err)
	}
	return nil
}

// BoltDB implements photostore.Handle on an open bbolt file
type BoltDB struct {
	db      *bolt.DB
	version int
}

func (w *BoltDB) Close() error {
	return w.db.Close()
}

func (w *BoltDB) Version() int {
	return w.version
}

func (w *BoltDB) GetAll(ctx context.Context) ([]photostore.StoredPhoto, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var photos []photostore.StoredPhoto
	err := w.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(photoBucket)).ForEach(func(_, value []byte) error {
			photo, err := photostore.UnmarshalPhoto(value)
			if err != nil {
				return err
			}
			photos = append(photos, photo)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return photos, nil
}

func (w *BoltDB) Get(ctx context.Context, id string) (photostore.StoredPhoto, bool, error) {
	if err := ctx.Err(); err != nil {
		return photostore.StoredPhoto{}, false, err
	}

	var (
		photo photostore.StoredPhoto
		found bool
	)
	err := w.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(photoBucket)).Get([]byte(id))
		if value == nil {
			return nil
		}
		var err error
		photo, err = photostore.UnmarshalPhoto(value)
		found = err == nil
		return err
	})
	return photo, found, err
}

func (w *BoltDB) Put(ctx context.Context, photo photostore.StoredPhoto) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := photostore.MarshalPhoto(photo)
	if err != nil {
		return err
	}

	return w.db.Update(func(tx *bolt.Tx) error {
		photos := tx.Bucket([]byte(photoBucket))
		index := tx.Bucket([]byte(indexBucket))

		if err := removeIndexEntry(photos, index, photo.ID); err != nil {
			return err
		}
		if err := photos.Put([]byte(photo.ID), value); err != nil {
			return fmt.Errorf("failed to update photo bucket for id=%s: %w", photo.ID, err)
		}
		if err := index.Put(photostore.IndexKey(photo.Timestamp, photo.ID), []byte{}); err != nil {
			return fmt.Errorf("failed to update index bucket for id=%s: %w", photo.ID, err)
		}
		return nil
	})
}

// removeIndexEntry drops the index entry of the record currently stored under id, if any.
func removeIndexEntry(photos, index *bolt.Bucket, id string) error {
	old := photos.Get([]byte(id))
	if old == nil {
		return nil
	}
	prev, err := photostore.UnmarshalPhoto(old)
	if err != nil {
		return err
	}
	return index.Delete(photostore.IndexKey(prev.Timestamp, id))
}

func (w *BoltDB) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.db.Update(func(tx *bolt.Tx) error {
		photos := tx.Bucket([]byte(photoBucket))
		if err := removeIndexEntry(photos, tx.Bucket([]byte(indexBucket)), id); err != nil {
			return err
		}
		return photos.Delete([]byte(id))
	})
}

func (w *BoltDB) DeleteUpTo(ctx context.Context, cutoff int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	upper := photostore.TimestampKey(cutoff)
	deleted := 0
	err := w.db.Update(func(tx *bolt.Tx) error {
		photos := tx.Bucket([]byte(photoBucket))
		cursor := tx.Bucket([]byte(indexBucket)).Cursor()

		// Deleting moves the cursor, so restart from the first entry each time.
		for key, _ := cursor.First(); key != nil; key, _ = cursor.First() {
			if len(key) < 8 || bytes.Compare(key[:8], upper) > 0 {
				break
			}
			id := append([]byte(nil), key[8:]...)
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("failed to delete index entry: %w", err)
			}
			if err := photos.Delete(id); err != nil {
				return fmt.Errorf("failed to delete photo id=%s: %w", id, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (w *BoltDB) Oldest(ctx context.Context, n int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := w.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(indexBucket)).Cursor()
		for key, _ := cursor.First(); key != nil && len(ids) < n; key, _ = cursor.Next() {
			_, id, ok := photostore.ParseIndexKey(key)
			if !ok {
				return fmt.Errorf("malformed index key %x", key)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (w *BoltDB) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	err := w.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(photoBucket)).Stats().KeyN
		return nil
	})
	return count, err
}
