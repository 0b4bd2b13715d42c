package netutil

import (
	"io"
	"net"

	"github.com/pkg/errors"
)

// IsConnectionError checks if the error means the connection is dead
func IsConnectionError(_err interface{}) bool {
	err, ok := _err.(error)
	if !ok {
		return false
	}

	err = errors.Cause(err)
	if err == io.EOF {
		return true
	}

	neterr, ok := err.(net.Error)
	if !ok {
		return false
	}
	if neterr.Timeout() {
		return false
	}

	return true
}

// IsTimeoutError checks if the error is a read/write deadline timeout
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	neterr, ok := errors.Cause(err).(net.Error)
	return ok && neterr.Timeout()
}
