package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrGuardDenied       = errors.New("guard denied access")
	ErrGuardService      = errors.New("guard service failure")
	ErrBackendDispatch   = errors.New("backend dispatch failed")
	ErrStreamDecode      = errors.New("stream decode failed")
	ErrDataQuery         = errors.New("data query failed")
	ErrEmptyUtterance    = errors.New("empty utterance")
	ErrInvalidTransition = errors.New("invalid turn state transition")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// BackendDispatchError describes a failed reasoning-engine call.
type BackendDispatchError struct {
	Status int
	Reason string
	Err    error
}

func (e *BackendDispatchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("backend dispatch: status %d: %s: %v", e.Status, e.Reason, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("backend dispatch: status %d: %s", e.Status, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("backend dispatch: %s: %v", e.Reason, e.Err)
	default:
		return "backend dispatch: " + e.Reason
	}
}

func (e *BackendDispatchError) Unwrap() error { return e.Err }

func (e *BackendDispatchError) Is(target error) bool {
	return target == ErrBackendDispatch
}

// StreamDecodeError reports the record at which event decoding stopped.
type StreamDecodeError struct {
	Index int
	Err   error
}

func (e *StreamDecodeError) Error() string {
	return fmt.Sprintf("decode stream event %d: %v", e.Index, e.Err)
}

func (e *StreamDecodeError) Unwrap() error { return e.Err }

func (e *StreamDecodeError) Is(target error) bool {
	return target == ErrStreamDecode
}

// DataQueryError reports a failed statement execution.
type DataQueryError struct {
	Statement string
	Err       error
}

func (e *DataQueryError) Error() string {
	return fmt.Sprintf("data query: %v", e.Err)
}

func (e *DataQueryError) Unwrap() error { return e.Err }

func (e *DataQueryError) Is(target error) bool {
	return target == ErrDataQuery
}

// IsBackendDispatch checks if the error came from the backend gateway.
func IsBackendDispatch(err error) bool {
	return errors.Is(err, ErrBackendDispatch)
}
