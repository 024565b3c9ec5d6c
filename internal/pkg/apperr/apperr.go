// Package apperr holds the error taxonomy shared by the cache, gate and applier.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// Content could not be turned into a signature.
	ErrInvalidInput = errors.New("invalid input")

	// Persisting a cache record failed.
	ErrStorageWrite = errors.New("storage write failed")

	// The prediction endpoint failed or answered with something unusable.
	ErrRemoteCall = errors.New("remote call failed")

	// The target already carries a marker that does not belong to this scope/signature.
	ErrRehydrationConflict = errors.New("rehydration conflict")

	// Lookup miss in a store or cache.
	ErrNotFound = errors.New("not found")
)

// RemoteCallError describes a failed prediction request. StatusCode is zero
// when the request never got a response.
type RemoteCallError struct {
	StatusCode int
	Err        error
}

func (e *RemoteCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote call failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote call failed: %v", e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

func (e *RemoteCallError) Is(target error) bool { return target == ErrRemoteCall }

// Temporary reports whether retrying the same request may succeed.
func (e *RemoteCallError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// StorageWriteError wraps the cause of a failed cache write.
type StorageWriteError struct {
	Key string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write %q: %v", e.Key, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

func (e *StorageWriteError) Is(target error) bool { return target == ErrStorageWrite }
