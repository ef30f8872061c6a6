// ABOUTME: Streaming client error taxonomy
// ABOUTME: Distinguishes retryable, non-retryable, and terminal failures
package client

import (
	"errors"
	"fmt"
)

// ErrAuthRejected reports a rejected bearer token. Non-retryable: the
// reconnect loop surfaces it immediately without backoff.
var ErrAuthRejected = errors.New("authentication rejected")

// ErrConnectionLost is the terminal error after the retry budget is
// exhausted. The caller may start a fresh Connect at its discretion.
var ErrConnectionLost = errors.New("connection lost")

// ErrNotConnected is returned by send operations while disconnected.
var ErrNotConnected = errors.New("not connected")

// ConnectError wraps a failed connection attempt
type ConnectError struct {
	Endpoint  string
	Retryable bool
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError wraps a failed control send. Transient: callers may retry.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
