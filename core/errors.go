package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the simple failure kinds. Callers classify with
// errors.Is; wrapped causes are preserved with %w.
var (
	// ErrNoSpace means the shard crossed its free-disk threshold and refuses
	// new writes until retention frees space.
	ErrNoSpace = errors.New("shard out of disk space")
	// ErrDisabled means the shard is read-only, by configuration or after
	// repeated background IO failures, and refuses stores.
	ErrDisabled = errors.New("shard is disabled")
	// ErrBusy means a stall trigger or contention limit was hit; the caller
	// should retry after backoff.
	ErrBusy = errors.New("shard is busy")
	// ErrNotFound means the requested record or entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTimedOut means the operation deadline expired. The underlying write
	// may still commit.
	ErrTimedOut = errors.New("operation timed out")
	// ErrShuttingDown means the shard is closing and no longer accepts work.
	ErrShuttingDown = errors.New("shard is shutting down")
	// ErrChecksumMismatch means a payload failed checksum verification on
	// store. Fatal to the request, not to the shard.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
)

// CorruptionError reports data that cannot be decoded: a bad key encoding, a
// record header that fails validation, or an impossible directory entry. The
// engine never auto-repairs; corruption is surfaced to the caller and logged.
type CorruptionError struct {
	Detail string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corruption: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("corruption: %s", e.Detail)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// NewCorruption builds a CorruptionError with a formatted detail string.
func NewCorruption(format string, args ...any) *CorruptionError {
	return &CorruptionError{Detail: fmt.Sprintf(format, args...)}
}

// IsCorruption reports whether err is (or wraps) a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// PreemptedError rejects a store whose epoch is at or below the sealed epoch
// for its log.
type PreemptedError struct {
	LogID       LogID
	SealedEpoch uint32
}

func (e *PreemptedError) Error() string {
	return fmt.Sprintf("log %d is sealed at epoch %d", e.LogID, e.SealedEpoch)
}

// IsPreempted reports whether err is (or wraps) a PreemptedError.
func IsPreempted(err error) bool {
	var pe *PreemptedError
	return errors.As(err, &pe)
}

// RebuildingError means this shard refuses normal stores while it is being
// rebuilt and names the shard that should receive the copy instead.
type RebuildingError struct {
	Recipient ShardID
}

func (e *RebuildingError) Error() string {
	return fmt.Sprintf("shard is rebuilding, redirect to shard %d", e.Recipient)
}

// IsRebuilding reports whether err is (or wraps) a RebuildingError.
func IsRebuilding(err error) bool {
	var re *RebuildingError
	return errors.As(err, &re)
}

// ProtocolError reports a malformed request that failed validation before
// reaching storage.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IOError wraps a failure from the underlying storage substrate.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps err as an IOError for operation op.
func NewIOError(op string, err error) *IOError {
	return &IOError{Op: op, Err: err}
}

// IsIOError reports whether err is (or wraps) an IOError.
func IsIOError(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}
