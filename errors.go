package photostore

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by Backend.Open when the database on disk has a newer schema.
	ErrVersionConflict = errors.New("photostore: schema version conflict")

	// ErrDeleteBlocked is returned by Backend.Destroy while another connection holds the database.
	ErrDeleteBlocked = errors.New("photostore: database delete blocked")

	// ErrUnsupported is returned when the configured backend is not available.
	ErrUnsupported = errors.New("photostore: storage backend unsupported")

	// ErrClosed is returned by handles used after Close.
	ErrClosed = errors.New("photostore: database closed")
)

// StoreError is returned by every failing Store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("photostore: %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
