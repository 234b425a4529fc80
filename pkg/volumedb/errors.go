package volumedb

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	// ErrVolumeNotFound is returned when a volume name is not registered.
	ErrVolumeNotFound notFoundError = "no such volume"
	// ErrVolumeExists is returned on create when the name is already taken.
	ErrVolumeExists conflictError = "volume already exists"
	// ErrCorruptRegistry is returned when the backing store cannot be decoded.
	ErrCorruptRegistry corruptError = "volume registry is corrupt"
	// ErrRegistryUnavailable is returned when the lock or the backing store
	// cannot be accessed.
	ErrRegistryUnavailable unavailableError = "volume registry is unavailable"
	// ErrInvalidParameter is returned for malformed image references or paths.
	ErrInvalidParameter invalidParameterError = "invalid parameter"
)

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

func (notFoundError) NotFound() {}

type conflictError string

func (e conflictError) Error() string { return string(e) }

func (conflictError) Conflict() {}

type corruptError string

func (e corruptError) Error() string { return string(e) }

func (corruptError) DataLoss() {}

type unavailableError string

func (e unavailableError) Error() string { return string(e) }

func (unavailableError) Unavailable() {}

type invalidParameterError string

func (e invalidParameterError) Error() string { return string(e) }

func (invalidParameterError) InvalidParameter() {}

// OpErr describes the registry operation, the volume it was applied to and
// the error that made it fail.
type OpErr struct {
	// Err is the error that occurred during the operation.
	Err error
	// Op is the operation which caused the error, such as "create" or "open".
	Op string
	// Name is the volume name, if the operation targets a single volume.
	Name string
	// Detail carries the underlying failure, if any.
	Detail error
}

func (e *OpErr) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{e.Op}
	if e.Name != "" {
		parts = append(parts, e.Name)
	}
	s := strings.Join(parts, " ") + ": " + e.Err.Error()
	if e.Detail != nil {
		s += ": " + e.Detail.Error()
	}
	return s
}

// Cause returns the error kind of this error.
func (e *OpErr) Cause() error {
	return e.Err
}

// Unwrap lets errors.Is and errors.As see the error kind.
func (e *OpErr) Unwrap() error {
	return e.Err
}

func opErr(op, name string, kind, detail error) error {
	return &OpErr{Op: op, Name: name, Err: kind, Detail: detail}
}

// IsNotFound reports whether err means the volume is not registered.
func IsNotFound(err error) bool {
	return isErr(err, ErrVolumeNotFound)
}

// IsExists reports whether err means the volume name is already taken.
func IsExists(err error) bool {
	return isErr(err, ErrVolumeExists)
}

// IsCorrupt reports whether err means the backing store could not be decoded.
func IsCorrupt(err error) bool {
	return isErr(err, ErrCorruptRegistry)
}

// IsUnavailable reports whether err means the registry lock or store could
// not be accessed.
func IsUnavailable(err error) bool {
	return isErr(err, ErrRegistryUnavailable)
}

// IsInvalidParameter reports whether err was caused by bad caller input.
func IsInvalidParameter(err error) bool {
	return isErr(err, ErrInvalidParameter)
}

func isErr(err error, expected error) bool {
	return errors.Is(err, expected)
}
