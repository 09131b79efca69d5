// Package rerr names the error kinds spec.md §7 requires as stable,
// distinguishable tags. Grounded on the reference's convention of plain
// wrapped fmt.Errorf("...: %w", err) chains rather than a bespoke
// status-code framework — the reference never imports one
// (github.com/pkg/errors and similar are absent from its go.mod), so this
// package stays errors.Is/errors.As-compatible sentinel values instead of
// introducing a new dependency for something the standard library already
// does (see DESIGN.md).
package rerr

import "errors"

// Kind is a stable tag identifying an error category (spec.md §7).
type Kind string

const (
	KindPtyAllocationFailed Kind = "PtyAllocationFailed"
	KindSpawnFailed         Kind = "SpawnFailed"
	KindInputBackpressure   Kind = "InputBackpressure"
	KindInvalidViewport     Kind = "InvalidViewport"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindLockDenied          Kind = "LockDenied"
	KindLockHeldBy          Kind = "LockHeldBy"
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindStorageUnavailable  Kind = "StorageUnavailable"
	KindUnavailable         Kind = "Unavailable"
)

// Error is a tagged error carrying one of the Kind values above.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// New constructs a tagged error with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags err with kind, preserving it for errors.Unwrap/errors.Is.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

