package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrRetriesExhausted is returned when a chain read kept failing transiently
// for every allowed attempt.
var ErrRetriesExhausted = errors.New("chain call failed after retries")

// JSON-RPC error codes that retrying cannot fix.
const (
	rpcCodeReverted       = 3
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Retry stops immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// Malformed marks a response the node returned but the reader cannot decode.
// Retry surfaces it at once as an error instead of retrying or reporting absence.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return &malformedError{err: err}
}

// IsMalformed reports whether err came from an undecodable chain response.
func IsMalformed(err error) bool {
	var me *malformedError
	return errors.As(err, &me)
}

// IsPermanent reports whether err is a failure that another attempt cannot fix:
// bad arguments, unsupported methods and reverted calls.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeReverted, rpcCodeMethodNotFound, rpcCodeInvalidParams:
			return true
		}
	}
	return strings.Contains(err.Error(), "execution reverted")
}
