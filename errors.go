package docexport

import (
	"context"
	"errors"
	"fmt"
)

// Run-level sentinel errors.
var (
	// ErrAuthentication is returned when a session cannot be established or
	// re-established. It aborts the run.
	ErrAuthentication = errors.New("docexport: authentication failed")

	// ErrNoDocuments is returned when discovery finds nothing to export.
	ErrNoDocuments = errors.New("docexport: discovery found no documents")

	// ErrClosed is returned when attempting to use a closed driver.
	ErrClosed = errors.New("docexport: driver is closed")
)

// ErrorCode identifies a classified export failure. Codes are strings so
// they read well in logs, checkpoints, and the ledger.
type ErrorCode string

const (
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeSessionExpired        ErrorCode = "SESSION_EXPIRED"
	CodeShareSurfaceNotFound  ErrorCode = "SHARE_SURFACE_NOT_FOUND"
	CodeExportSurfaceNotFound ErrorCode = "EXPORT_SURFACE_NOT_FOUND"
	CodeExportButtonNotFound  ErrorCode = "EXPORT_BUTTON_NOT_FOUND"
	CodeExportTimeout         ErrorCode = "EXPORT_TIMEOUT"
	CodeNavigation            ErrorCode = "NAVIGATION_ERROR"
	CodeInvalidArtifact       ErrorCode = "INVALID_ARTIFACT"
	CodePersist               ErrorCode = "PERSIST_ERROR"
	CodeDiscoveryFolder       ErrorCode = "DISCOVERY_FOLDER_ERROR"
	CodeUnknown               ErrorCode = "UNKNOWN"
)

// ExportError is a classified failure raised by the export workflow or by
// discovery. Two ExportErrors match under errors.Is when their codes match,
// so the sentinels below can be used as targets.
type ExportError struct {
	Code ErrorCode
	Step State
	Err  error
}

func (e *ExportError) Error() string {
	msg := "docexport: " + string(e.Code)
	if e.Step != "" {
		msg += " during " + string(e.Step)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExportError) Unwrap() error { return e.Err }

// Is reports whether target is an *ExportError with the same code.
func (e *ExportError) Is(target error) bool {
	t, ok := target.(*ExportError)
	return ok && t.Code == e.Code
}

// Classified sentinels. Use with errors.Is.
var (
	ErrRateLimited           = &ExportError{Code: CodeRateLimited}
	ErrSessionExpired        = &ExportError{Code: CodeSessionExpired}
	ErrShareSurfaceNotFound  = &ExportError{Code: CodeShareSurfaceNotFound}
	ErrExportSurfaceNotFound = &ExportError{Code: CodeExportSurfaceNotFound}
	ErrExportButtonNotFound  = &ExportError{Code: CodeExportButtonNotFound}
	ErrExportTimeout         = &ExportError{Code: CodeExportTimeout}
	ErrNavigation            = &ExportError{Code: CodeNavigation}
	ErrInvalidArtifact       = &ExportError{Code: CodeInvalidArtifact}
	ErrPersist               = &ExportError{Code: CodePersist}
	ErrDiscoveryFolder       = &ExportError{Code: CodeDiscoveryFolder}
)

// newError builds a classified error for the given step.
func newError(code ErrorCode, step State, format string, args ...any) *ExportError {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &ExportError{Code: code, Step: step, Err: err}
}

// Class is the retry disposition of an error.
type Class int

const (
	// ClassFatal gives up on the document and records it as failed.
	ClassFatal Class = iota
	// ClassTransient restarts the workflow from Navigate after a paced delay.
	ClassTransient
	// ClassRateLimited triggers a limiter cooldown; the attempt is not charged.
	ClassRateLimited
	// ClassSessionExpired escalates to re-authentication and re-queues the document.
	ClassSessionExpired
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassSessionExpired:
		return "session_expired"
	default:
		return "fatal"
	}
}

// Classify maps err to exactly one Class. Errors that carry no recognised
// code are fatal for the document.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	var ee *ExportError
	if !errors.As(err, &ee) {
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTransient
		}
		return ClassFatal
	}
	switch ee.Code {
	case CodeRateLimited:
		return ClassRateLimited
	case CodeSessionExpired:
		return ClassSessionExpired
	case CodeShareSurfaceNotFound, CodeExportSurfaceNotFound, CodeExportButtonNotFound,
		CodeExportTimeout, CodeNavigation, CodeInvalidArtifact:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeUnknown
}
