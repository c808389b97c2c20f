package lib

import (
	"net"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected    = errors.New("connection is not established")
	ErrConnClosed      = errors.New("connection is closed")
	ErrServiceClosed   = errors.New("service is closed")
	ErrCoreClosed      = errors.New("rdt core is closed")
	ErrPeerUnreachable = errors.New("peer stopped acknowledging segments")
	ErrDialTimeout     = error(&TimeoutError{msg: "dial timed out waiting for synack"})
)

// TimeoutError implements net.Error
type TimeoutError struct {
	msg string
}

var _ net.Error = (*TimeoutError)(nil)

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}
