// Package rvfierrors holds the small set of sentinel errors that
// callers across the harness branch on, following the teacher's
// convention of plain fmt.Errorf wrapping plus a handful of named
// errors.New values for conditions other code actually switches on.
package rvfierrors

import "errors"

var (
	// ErrPeerDisconnected means a socket peer closed the connection or
	// returned a short/zero-length read where a full packet was expected.
	ErrPeerDisconnected = errors.New("rvfi: peer disconnected")

	// ErrProtocolMismatch means a packet received during version
	// negotiation or version selection did not match the expected
	// magic, command, or instruction value.
	ErrProtocolMismatch = errors.New("rvfi: protocol mismatch")

	// ErrShuttingDown means an operation was abandoned because the
	// supervisor's shutdown path was invoked concurrently.
	ErrShuttingDown = errors.New("rvfi: shutting down")
)
