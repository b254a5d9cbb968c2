// Package apperr defines the error kinds shared by the orchestrator, the
// provider client and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration       Kind = "configuration"
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindProvider            Kind = "provider"
	KindDuplicateJob        Kind = "duplicate_job"
	KindReferenceResolution Kind = "reference_resolution"
	KindIdentityAudit       Kind = "identity_audit"
)

// Error carries a Kind so callers can branch with errors.As / KindOf.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind when the target has no message,
// so errors.Is(err, apperr.ErrDuplicateJob) works for any duplicate error.
// Not-found errors are also validation errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Err != nil {
		return false
	}
	if t.Kind == KindValidation && e.Kind == KindNotFound {
		return true
	}
	return t.Kind == e.Kind
}

var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrProvider            = &Error{Kind: KindProvider}
	ErrDuplicateJob        = &Error{Kind: KindDuplicateJob}
	ErrReferenceResolution = &Error{Kind: KindReferenceResolution}
	ErrIdentityAudit       = &Error{Kind: KindIdentityAudit}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Configuration(format string, args ...any) error { return newf(KindConfiguration, format, args...) }
func Validation(format string, args ...any) error    { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) error      { return newf(KindNotFound, format, args...) }
func Provider(format string, args ...any) error      { return newf(KindProvider, format, args...) }
func DuplicateJob(format string, args ...any) error  { return newf(KindDuplicateJob, format, args...) }
func ReferenceResolution(format string, args ...any) error {
	return newf(KindReferenceResolution, format, args...)
}
func IdentityAudit(format string, args ...any) error { return newf(KindIdentityAudit, format, args...) }

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
