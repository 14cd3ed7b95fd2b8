package pool

import (
	"errors"
	"fmt"
)

// ErrPoolClosed is returned by Write and Flush after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// TransportError reports a failed dial or send on a reliable channel.
type TransportError struct {
	Pool    string
	Address string
	Op      string // "dial" or "send"
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pool %s: %s %s: %v", e.Pool, e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
