package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCheckpoint is returned when rollback is requested but no active
	// checkpoint exists.
	ErrNoCheckpoint = errors.New("no active checkpoint")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("component is closed")

	// ErrNotReady is returned when a full migration is refused because the
	// readiness checks failed. Nothing was written.
	ErrNotReady = errors.New("target is not ready for migration, store unchanged")

	errTrailingData = errors.New("unexpected data after JSON value")
	errNotAnObject  = errors.New("metadata is not a JSON object")
)

// StoreState describes what an operator will find in the target store after
// a command returns.
type StoreState string

const (
	StateUnchanged    StoreState = "unchanged"
	StateCheckpointed StoreState = "checkpointed"
	StateMigrated     StoreState = "migrated"
	StateRolledBack   StoreState = "rolled back"
)

// PartiallyMigrated is the state left behind when batch n+1 failed after n
// batches had been committed.
func PartiallyMigrated(batches int) StoreState {
	return StoreState(fmt.Sprintf("partially migrated up to batch %d", batches))
}

// StructuralError reports a missing table or column. It is always fatal.
type StructuralError struct {
	Table  string
	Column string
	Msg    string
}

func (e *StructuralError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("schema error: %s.%s: %s", e.Table, e.Column, e.Msg)
	}
	return fmt.Sprintf("schema error: %s: %s", e.Table, e.Msg)
}

// DataQualityError reports a single record that cannot be converted. The
// record is skipped and counted; it never aborts a batch.
type DataQualityError struct {
	RecordID string
	Field    string
	Msg      string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("record %s: %s: %s", e.RecordID, e.Field, e.Msg)
}

// StorageError wraps a failure of the underlying store. The in-flight
// transaction is rolled back; State tells what was already committed.
type StorageError struct {
	Op    string
	Batch int
	State StoreState
	Err   error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage error during %s", e.Op)
	if e.Batch > 0 {
		msg += fmt.Sprintf(" (batch %d)", e.Batch)
	}
	if e.State != "" {
		msg += fmt.Sprintf(", store %s", e.State)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IntegrityMismatchError reports counts that do not reconcile after a
// migration or rollback. It is reported, never corrected automatically.
type IntegrityMismatchError struct {
	Field    string
	Expected int64
	Actual   int64
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch: %s: expected %d, got %d", e.Field, e.Expected, e.Actual)
}

func IsStructural(err error) bool {
	var target *StructuralError
	return errors.As(err, &target)
}

func IsDataQuality(err error) bool {
	var target *DataQualityError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

func IsIntegrityMismatch(err error) bool {
	var target *IntegrityMismatchError
	return errors.As(err, &target)
}
