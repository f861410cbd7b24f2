package store

import (
	"errors"
	"fmt"
)

// ErrorKind classifies storage failures.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindCorruption ErrorKind = "corruption"
)

// StorageError is the typed failure returned by store operations.
type StorageError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Kind, e.Msg)
}

func (e *StorageError) Unwrap() error { return e.Err }

// notFound builds a NotFound error.
func notFound(format string, args ...any) *StorageError {
	return &StorageError{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// conflict builds a Conflict error.
func conflict(format string, args ...any) *StorageError {
	return &StorageError{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a NotFound storage error.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsConflict reports whether err is a Conflict storage error.
func IsConflict(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindConflict
}
