// Package ierrors defines the error taxonomy shared by every ingest
// pipeline component (spec §7): sentinel kinds that callers can match
// with errors.Is/errors.As, wrapped with call-site context via
// github.com/pkg/errors the same way the teacher's wal.go and index.go
// wrap os/io failures.
package ierrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is one taxonomy bucket from the error handling design.
type Kind int

const (
	// KindProtocol covers malformed frames, data-before-schema, empty
	// descriptor paths. Reported to the producer; the connection closes.
	KindProtocol Kind = iota
	// KindValidation covers bad regex, missing required fields. Reported
	// to the admin caller; state is left unchanged.
	KindValidation
	// KindNotFound covers unknown tenant/flight lookups.
	KindNotFound
	// KindConflict covers schema re-registration with different fields
	// or a flight registration that contradicts an existing record.
	KindConflict
	// KindSegmentFull is recovered locally by sealing and rotating; it
	// only escapes to a caller if rotation itself fails.
	KindSegmentFull
	// KindIO covers WAL write/fsync failures. Fatal to the segment.
	KindIO
	// KindChecksum only arises during replay.
	KindChecksum
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol_error"
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindSegmentFull:
		return "segment_full"
	case KindIO:
		return "io_error"
	case KindChecksum:
		return "checksum_mismatch"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. Wrap with errors.Wrap/Wrapf to add
// call-site context without losing the Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ierrors.Protocol) etc. work against a bare
// Kind sentinel, since Kind itself doesn't implement error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a Kind-tagged error scoped to op, optionally wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is New with an additional message, mirroring errors.Wrap's
// call-site-context convention used throughout the teacher's wal.go.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Wrap(err, msg)}
}

// KindOf unwraps err looking for an *Error and returns its Kind, or
// false if err (or anything it wraps) isn't one of ours. Callers that
// only care about the taxonomy bucket, not the wrapped detail, use this
// instead of a type assertion chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// sentinels for the no-context case, usable directly with errors.Is.
var (
	Protocol   = &Error{Kind: KindProtocol, Op: "protocol"}
	Validation = &Error{Kind: KindValidation, Op: "validation"}
	NotFound   = &Error{Kind: KindNotFound, Op: "lookup"}
	Conflict   = &Error{Kind: KindConflict, Op: "mutation"}
	SegmentFull = &Error{Kind: KindSegmentFull, Op: "wal"}
	IO         = &Error{Kind: KindIO, Op: "wal"}
	Checksum   = &Error{Kind: KindChecksum, Op: "wal"}
)
