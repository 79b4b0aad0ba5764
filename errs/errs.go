// Package errs defines the error taxonomy shared by every layer of the
// protocol stack and the numeric codes used on the wire.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The numeric value is the code sent in
// operation responses.
type Kind int

const (
	Unknown                  Kind = 0
	RepositoryAuthentication Kind = 100
	Network                  Kind = 101
	Protocol                 Kind = 102
	NoSuchObject             Kind = 103
	UnableToLocate           Kind = 104
	Crypto                   Kind = 105
	PermissionDenied         Kind = 106
	Storage                  Kind = 107
	AlreadyExists            Kind = 108
	Internal                 Kind = 109
	OperationNotAvailable    Kind = 110
	Application              Kind = 111
	Replication              Kind = 112
	ServerError              Kind = 113
	NoSuchElement            Kind = 114

	// ReplicationItemOutOfDate shares its code with ServerError.
	ReplicationItemOutOfDate = ServerError
)

var kindNames = map[Kind]string{
	RepositoryAuthentication: "repository authentication",
	Network:                  "network",
	Protocol:                 "protocol",
	NoSuchObject:             "no such object",
	UnableToLocate:           "unable to locate",
	Crypto:                   "crypto",
	PermissionDenied:         "permission denied",
	Storage:                  "storage",
	AlreadyExists:            "already exists",
	Internal:                 "internal",
	OperationNotAvailable:    "operation not available",
	Application:              "application",
	Replication:              "replication",
	ServerError:              "server error",
	NoSuchElement:            "no such element",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(k))
}

// Code returns the wire code of k.
func (k Kind) Code() int {
	return int(k)
}

// FromCode maps a wire code back to a Kind. Unrecognized codes map to
// Protocol.
func FromCode(code int) Kind {
	if _, ok := kindNames[Kind(code)]; ok {
		return Kind(code)
	}
	return Protocol
}

// Error is a recoverable, per-call failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind and an empty Message, so
// errors.Is(err, errs.New(errs.Crypto, "")) tests the kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// KindOf returns the kind carried by err, preferring an *Error over a
// *ConnError, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// ConnError reports a failure that tore down the whole connection. Every
// waiter on that connection observes it.
type ConnError struct {
	Kind    Kind
	Message string
	Err     error
	timeout bool
}

// Fatal wraps cause as a connection-ending error.
func Fatal(kind Kind, msg string, cause error) *ConnError {
	return &ConnError{Kind: kind, Message: msg, Err: cause}
}

// Timeout reports a wait that exceeded the protocol timeout.
func Timeout(msg string) *ConnError {
	return &ConnError{Kind: Network, Message: msg, timeout: true}
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection closed: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("connection closed: %s: %s", e.Kind, e.Message)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// Timeout implements net.Error.
func (e *ConnError) Timeout() bool {
	return e.timeout
}

// Temporary implements net.Error. A closed connection never recovers.
func (e *ConnError) Temporary() bool {
	return false
}

// IsFatal reports whether err tore down its connection.
func IsFatal(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err came from an expired protocol timeout.
func IsTimeout(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce) && ce.timeout
}
