package photostore

import (
	"context"
)

// StoredPhoto is a single photo kept on the device until it is uploaded or evicted.
type StoredPhoto struct {
	ID               string `cbor:"1,keyasint" json:"id"`
	Payload          []byte `cbor:"2,keyasint" json:"-"`
	Timestamp        int64  `cbor:"3,keyasint" json:"timestamp"` // epoch milliseconds
	OriginalFileName string `cbor:"4,keyasint" json:"originalFileName"`
	Size             int64  `cbor:"5,keyasint" json:"size"` // as reported by the caller
}

// StorageInfo summarizes the store contents. Oldest and newest timestamps are
// nil when the store is empty.
type StorageInfo struct {
	TotalPhotos     int    `json:"totalPhotos"`
	TotalSize       int64  `json:"totalSize"`
	OldestTimestamp *int64 `json:"oldestTimestamp,omitempty"`
	NewestTimestamp *int64 `json:"newestTimestamp,omitempty"`
}

// Backend opens and destroys one physical database.
// Different implementations keep data in different engines (single bbolt file vs pebble directory).
type Backend interface {
	// Open creates the photo collection and its timestamp index when the database is absent
	// or older than version. It returns ErrVersionConflict when the database on disk is newer.
	Open(ctx context.Context, version int) (Handle, error)

	// Destroy removes the database. It returns ErrDeleteBlocked while another connection holds it.
	Destroy(ctx context.Context) error

	// Name identifies the database in logs
	Name() string
}

// Handle is a live connection to an opened database. Every method runs in its own transaction.
type Handle interface {
	// GetAll returns every record in no particular order
	GetAll(ctx context.Context) ([]StoredPhoto, error)

	// Get looks a record up by id; ok is false when it does not exist
	Get(ctx context.Context, id string) (photo StoredPhoto, ok bool, err error)

	// Put inserts or overwrites the record with the same id
	Put(ctx context.Context, photo StoredPhoto) error

	// Delete removes a record; deleting a missing id is not an error
	Delete(ctx context.Context, id string) error

	// DeleteUpTo walks the timestamp index up to and including cutoff and deletes every record found
	DeleteUpTo(ctx context.Context, cutoff int64) (int, error)

	// Oldest returns up to n ids in ascending timestamp order
	Oldest(ctx context.Context, n int) ([]string, error)

	// Count returns the number of stored records
	Count(ctx context.Context) (int, error)

	// Version returns the schema version the database was opened with
	Version() int

	// Close closes the database and releases resources
	Close() error
}
