package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/mhbvr/photostore"
)

const (
	metaPrefix  = "meta:"
	photoPrefix = "photo:"
	indexPrefix = "ts:"

	versionKey = metaPrefix + "version"
)

// Pebble has no way to ask whether another connection in this process holds
// a directory, so open directories are tracked here.
var (
	openDirsMu sync.Mutex
	openDirs   = map[string]int{}
)

func acquireDir(dir string) {
	openDirsMu.Lock()
	defer openDirsMu.Unlock()
	openDirs[dir]++
}

func releaseDir(dir string) {
	openDirsMu.Lock()
	defer openDirsMu.Unlock()
	if openDirs[dir]--; openDirs[dir] <= 0 {
		delete(openDirs, dir)
	}
}

func dirInUse(dir string) bool {
	openDirsMu.Lock()
	defer openDirsMu.Unlock()
	return openDirs[dir] > 0
}

// Backend implements photostore.Backend using a pebble directory
type Backend struct {
	dir string
}

// New creates a Backend for the database directory dbPath
func New(dbPath string) *Backend {
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	return &Backend{dir: filepath.Clean(dbPath)}
}

func (b *Backend) Name() string {
	return b.dir
}

func (b *Backend) Open(ctx context.Context, version int) (photostore.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := pebble.Open(b.dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	if err := migrate(db, version); err != nil {
		db.Close()
		return nil, err
	}

	acquireDir(b.dir)
	return &PebbleDB{
		db:      db,
		dir:     b.dir,
		version: version,
	}, nil
}

// migrate declares the collection and index from scratch for a new database or a version bump.
func migrate(db *pebble.DB, version int) error {
	onDisk := 0
	value, closer, err := db.Get([]byte(versionKey))
	switch {
	case err == nil:
		if len(value) == 8 {
			onDisk = int(binary.BigEndian.Uint64(value))
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if onDisk > version {
		return fmt.Errorf("database is at version %d, requested %d: %w", onDisk, version, photostore.ErrVersionConflict)
	}
	if onDisk == version {
		return nil
	}

	batch := db.NewBatch()
	defer batch.Close()

	for _, prefix := range []string{photoPrefix, indexPrefix} {
		if err := batch.DeleteRange([]byte(prefix), prefixEnd(prefix), nil); err != nil {
			return fmt.Errorf("failed to drop %s keys: %w", prefix, err)
		}
	}
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(version))
	if err := batch.Set([]byte(versionKey), v, nil); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dirInUse(b.dir) {
		return photostore.ErrDeleteBlocked
	}
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("failed to remove pebble database: %w", err)
	}
	return nil
}

// prefixEnd returns the first key after every key starting with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

func photoKey(id string) []byte {
	return append([]byte(photoPrefix), id...)
}

func indexKey(ts int64, id string) []byte {
	return append([]byte(indexPrefix), photostore.IndexKey(ts, id)...)
}

// PebbleDB implements photostore.Handle on an open pebble directory
type PebbleDB struct {
	db      *pebble.DB
	dir     string
	version int

	// Serializes read-modify-write sequences, pebble batches are not isolated.
	mu     sync.Mutex
	closed bool
}

func (p *PebbleDB) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return photostore.ErrClosed
	}
	p.closed = true
	releaseDir(p.dir)
	return p.db.Close()
}

func (p *PebbleDB) Version() int {
	return p.version
}

func (p *PebbleDB) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed {
		return photostore.ErrClosed
	}
	return nil
}

func (p *PebbleDB) GetAll(ctx context.Context) ([]photostore.StoredPhoto, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(photoPrefix),
		UpperBound: prefixEnd(photoPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var photos []photostore.StoredPhoto
	for iter.First(); iter.Valid(); iter.Next() {
		photo, err := photostore.UnmarshalPhoto(iter.Value())
		if err != nil {
			return nil, err
		}
		photos = append(photos, photo)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return photos, nil
}

func (p *PebbleDB) Get(ctx context.Context, id string) (photostore.StoredPhoto, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return photostore.StoredPhoto{}, false, err
	}
	return p.get(id)
}

func (p *PebbleDB) get(id string) (photostore.StoredPhoto, bool, error) {
	data, closer, err := p.db.Get(photoKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return photostore.StoredPhoto{}, false, nil
		}
		return photostore.StoredPhoto{}, false, fmt.Errorf("failed to get photo data: %w", err)
	}
	defer closer.Close()

	photo, err := photostore.UnmarshalPhoto(data)
	if err != nil {
		return photostore.StoredPhoto{}, false, err
	}
	return photo, true, nil
}

func (p *PebbleDB) Put(ctx context.Context, photo photostore.StoredPhoto) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	value, err := photostore.MarshalPhoto(photo)
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if err := p.deleteIndexEntry(batch, photo.ID); err != nil {
		return err
	}
	if err := batch.Set(photoKey(photo.ID), value, nil); err != nil {
		return fmt.Errorf("failed to set photo data: %w", err)
	}
	if err := batch.Set(indexKey(photo.Timestamp, photo.ID), []byte{}, nil); err != nil {
		return fmt.Errorf("failed to set index entry: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (p *PebbleDB) deleteIndexEntry(batch *pebble.Batch, id string) error {
	prev, found, err := p.get(id)
	if err != nil || !found {
		return err
	}
	if err := batch.Delete(indexKey(prev.Timestamp, id), nil); err != nil {
		return fmt.Errorf("failed to delete index entry: %w", err)
	}
	return nil
}

func (p *PebbleDB) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if err := p.deleteIndexEntry(batch, id); err != nil {
		return err
	}
	if err := batch.Delete(photoKey(id), nil); err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (p *PebbleDB) DeleteUpTo(ctx context.Context, cutoff int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return 0, err
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(indexPrefix),
		UpperBound: prefixEnd(indexPrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	batch := p.db.NewBatch()
	defer batch.Close()

	deleted := 0
	for iter.First(); iter.Valid(); iter.Next() {
		ts, id, ok := photostore.ParseIndexKey(iter.Key()[len(indexPrefix):])
		if !ok {
			return 0, fmt.Errorf("malformed index key %x", iter.Key())
		}
		if ts > cutoff {
			break
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return 0, fmt.Errorf("failed to delete index entry: %w", err)
		}
		if err := batch.Delete(photoKey(id), nil); err != nil {
			return 0, fmt.Errorf("failed to delete photo id=%s: %w", id, err)
		}
		deleted++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterator error: %w", err)
	}

	if deleted == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return deleted, nil
}

func (p *PebbleDB) Oldest(ctx context.Context, n int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(indexPrefix),
		UpperBound: prefixEnd(indexPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid() && len(ids) < n; iter.Next() {
		_, id, ok := photostore.ParseIndexKey(iter.Key()[len(indexPrefix):])
		if !ok {
			return nil, fmt.Errorf("malformed index key %x", iter.Key())
		}
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return ids, nil
}

func (p *PebbleDB) Count(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return 0, err
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(photoPrefix),
		UpperBound: prefixEnd(photoPrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterator error: %w", err)
	}
	return count, nil
}
