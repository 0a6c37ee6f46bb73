package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a queried transaction receipt has not been
// mined yet.
var ErrNotFound = errors.New("ledger: not found")

// NetworkError wraps RPC transport failures. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError wraps malformed or undecodable responses. Not retryable;
// the offending item should be skipped.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ContentionError marks a submission rejected because a conflicting
// transaction at the same nonce is already outstanding. Retryable after fee
// escalation.
type ContentionError struct {
	Err error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("ledger: submission contention: %v", e.Err)
}

func (e *ContentionError) Unwrap() error { return e.Err }

// IsContention reports whether the error represents a nonce/fee race with an
// outstanding transaction.
func IsContention(err error) bool {
	var ce *ContentionError
	return errors.As(err, &ce)
}

// IsNetwork reports whether the error is a transport-level RPC failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Node implementations surface nonce races only as error strings over the
// RPC boundary, so classification is by message.
var contentionMessages = []string{
	"already known",
	"replacement transaction underpriced",
	"replacement transaction",
	"alreadyknown",
	"known transaction",
}

func classifySubmitError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range contentionMessages {
		if strings.Contains(msg, needle) {
			return &ContentionError{Err: err}
		}
	}
	return &NetworkError{Op: "submit transaction", Err: err}
}
