package services

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrUnknownProduct   = errors.New("unknown product")
	ErrPersistence      = errors.New("persistence failure")
	ErrLineageConflict  = errors.New("lineage conflict")
)

// ReconcileError carries one of the sentinel kinds above plus the underlying cause
type ReconcileError struct {
	Kind    error  // sentinel
	Err     error  // cause, may be nil
	Message string // human-readable
}

func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ReconcileError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func malformed(format string, args ...interface{}) *ReconcileError {
	return &ReconcileError{Kind: ErrMalformedPayload, Message: fmt.Sprintf(format, args...)}
}

func malformedCause(err error, format string, args ...interface{}) *ReconcileError {
	return &ReconcileError{Kind: ErrMalformedPayload, Err: err, Message: fmt.Sprintf(format, args...)}
}

func persistenceFailure(err error, message string) *ReconcileError {
	return &ReconcileError{Kind: ErrPersistence, Err: err, Message: message}
}

func lineageConflict(err error, format string, args ...interface{}) *ReconcileError {
	return &ReconcileError{Kind: ErrLineageConflict, Err: err, Message: fmt.Sprintf(format, args...)}
}

// SignatureInvalid wraps a verification failure
func SignatureInvalid(err error) *ReconcileError {
	return &ReconcileError{Kind: ErrSignatureInvalid, Err: err, Message: "signature verification failed"}
}
