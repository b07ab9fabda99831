// Package status defines the error taxonomy shared by every packaging stage.
// A Status pairs a stable code with a human-readable message; stages convert
// upstream errors to their own closest code when crossing a layer boundary.
package status

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. The numeric values are stable.
type Code int

const (
	OK Code = iota
	Unknown
	Cancelled
	InvalidArgument
	Unimplemented
	NotFound
	AlreadyExists
	OutOfRange
	ParserFailure
	EncryptionFailure
	HTTPFailure
	FileFailure
	ServerError // transient; key source retries these
	ClientError
	TimeOut
	EndOfStream
)

var codeNames = map[Code]string{
	OK:                "OK",
	Unknown:           "UNKNOWN",
	Cancelled:         "CANCELLED",
	InvalidArgument:   "INVALID_ARGUMENT",
	Unimplemented:     "UNIMPLEMENTED",
	NotFound:          "NOT_FOUND",
	AlreadyExists:     "ALREADY_EXISTS",
	OutOfRange:        "OUT_OF_RANGE",
	ParserFailure:     "PARSER_FAILURE",
	EncryptionFailure: "ENCRYPTION_FAILURE",
	HTTPFailure:       "HTTP_FAILURE",
	FileFailure:       "FILE_FAILURE",
	ServerError:       "SERVER_ERROR",
	ClientError:       "CLIENT_ERROR",
	TimeOut:           "TIME_OUT",
	EndOfStream:       "END_OF_STREAM",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Status is an error carrying a Code. The zero value is not valid; use the
// constructors.
type Status struct {
	code  Code
	msg   string
	cause error
}

// New returns a Status with the given code and message.
func New(code Code, msg string) *Status {
	return &Status{code: code, msg: msg}
}

// Newf returns a Status with a formatted message.
func Newf(code Code, format string, args ...any) *Status {
	return &Status{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a Status whose cause is err. Unwrap exposes err so that
// errors.Is/As see through the conversion.
func Wrap(code Code, err error, msg string) *Status {
	return &Status{code: code, msg: msg, cause: err}
}

func (s *Status) Error() string {
	if s.cause != nil {
		return fmt.Sprintf("%s: %s: %v", s.code, s.msg, s.cause)
	}
	if s.msg == "" {
		return s.code.String()
	}
	return fmt.Sprintf("%s: %s", s.code, s.msg)
}

// Code returns the status code.
func (s *Status) Code() Code { return s.code }

// Message returns the message without the code prefix.
func (s *Status) Message() string { return s.msg }

func (s *Status) Unwrap() error { return s.cause }

// Is matches two Statuses by code, so errors.Is(err, status.New(code, ""))
// and the sentinel helpers below work.
func (s *Status) Is(target error) bool {
	var t *Status
	if errors.As(target, &t) {
		return t.code == s.code
	}
	return false
}

// CodeOf extracts the Code from err, returning Unknown for foreign errors
// and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var s *Status
	if errors.As(err, &s) {
		return s.code
	}
	return Unknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Convert re-labels err with code unless it is already a Status, in which
// case the original code is preserved.
func Convert(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	var s *Status
	if errors.As(err, &s) {
		return err
	}
	return Wrap(code, err, msg)
}

// ErrEndOfStream is the benign pipeline-flush signal. It is never surfaced
// to the caller of a packaging run.
var ErrEndOfStream = New(EndOfStream, "end of stream")

// ErrCancelled is returned by loops that observed the cancel flag.
var ErrCancelled = New(Cancelled, "cancelled")
