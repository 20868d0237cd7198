// Package vmserrors defines the error taxonomy every component reports
// through: a fixed set of kinds, each with a stable wire code and an HTTP
// status, so the signaling layer can turn an internal failure into the
// exact JSON body §6 of the contract promises without re-deriving it at
// each call site.
package vmserrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error taxonomy's fixed members.
type Kind string

const (
	CameraNotFound     Kind = "CAMERA_NOT_FOUND"
	SdpInvalid         Kind = "SDP_OFFER_INVALID"
	AuthFailed         Kind = "AUTH_FAILED"
	ConnectFailed      Kind = "CONNECT_FAILED"
	StreamLost         Kind = "STREAM_LOST"
	TrackWriteFailed   Kind = "TRACK_WRITE_FAILED"
	DiskError          Kind = "DISK_ERROR"
	ShutdownRequested  Kind = "SHUTDOWN_REQUESTED"
	StreamStartFailed  Kind = "STREAM_START_FAILED"
	PeerNotFound       Kind = "PEER_NOT_FOUND"
)

// httpStatus maps each kind to the status code the signaling layer returns.
// Kinds with no direct HTTP surface (StreamLost, DiskError, ShutdownRequested)
// still get a sensible default for completeness.
var httpStatus = map[Kind]int{
	CameraNotFound:    http.StatusNotFound,
	SdpInvalid:        http.StatusBadRequest,
	AuthFailed:        http.StatusInternalServerError,
	ConnectFailed:     http.StatusInternalServerError,
	StreamLost:        http.StatusInternalServerError,
	TrackWriteFailed:  http.StatusInternalServerError,
	DiskError:         http.StatusInternalServerError,
	ShutdownRequested: http.StatusServiceUnavailable,
	StreamStartFailed: http.StatusInternalServerError,
	PeerNotFound:      http.StatusNotFound,
}

// Error wraps a Kind with a human-readable message and an optional cause,
// matching the teacher's fmt.Errorf("...: %w", err) wrapping idiom.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code the signaling layer should respond
// with for this error.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err via errors.As, for callers that need to
// inspect the Kind without caring about the concrete wrapping chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err is, or wraps, an Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
