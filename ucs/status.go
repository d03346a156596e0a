// Package ucs holds the status codes, memory types and assertion helpers
// shared by the transport (uct) and protocol (ucp) layers.
package ucs

import (
	"errors"
	"fmt"
)

// Status is a completion or error code. Non-negative values are not errors:
// StatusOK is success and StatusInProgress marks an operation that has not
// reached a terminal state yet.
type Status int32

const (
	StatusOK         Status = 0
	StatusInProgress Status = 1

	ErrNoMessage        Status = -1
	ErrNoResource       Status = -2
	ErrIOError          Status = -3
	ErrNoMemory         Status = -4
	ErrInvalidParam     Status = -5
	ErrNoProgress       Status = -10
	ErrBusy             Status = -15
	ErrCanceled         Status = -16
	ErrMessageTruncated Status = -19
	ErrUnsupported      Status = -22
	ErrEndpointClosed   Status = -25
	ErrAborted          Status = -27
)

var statusText = map[Status]string{
	StatusOK:            "success",
	StatusInProgress:    "operation in progress",
	ErrNoMessage:        "no pending message",
	ErrNoResource:       "no resources are available to initiate the operation",
	ErrIOError:          "input/output error",
	ErrNoMemory:         "out of memory",
	ErrInvalidParam:     "invalid parameter",
	ErrNoProgress:       "no progress",
	ErrBusy:             "device is busy",
	ErrCanceled:         "request canceled",
	ErrMessageTruncated: "message truncated",
	ErrUnsupported:      "operation not supported",
	ErrEndpointClosed:   "endpoint closed",
	ErrAborted:          "operation aborted",
}

// Error returns the human-readable status message.
func (s Status) Error() string {
	return s.String()
}

// String returns the status message, or the numeric code if it is unknown.
func (s Status) String() string {
	if msg, ok := statusText[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status %d", int32(s))
}

// IsError reports whether the status is a failure code.
func (s Status) IsError() bool {
	return s < 0
}

// WithOp adds operation context to the status.
func (s Status) WithOp(op string) error {
	if op == "" {
		return s
	}
	return fmt.Errorf("%s: %w", op, s)
}

// StatusOf recovers the Status carried by err. A nil error is StatusOK and an
// error that carries no Status maps to ErrIOError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var st Status
	if errors.As(err, &st) {
		return st
	}
	return ErrIOError
}

// AsError converts a terminal status into an error, returning nil for
// StatusOK.
func (s Status) AsError() error {
	if s == StatusOK {
		return nil
	}
	return s
}
