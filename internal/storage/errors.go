package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
)

// connectivityError marks an error a backend has classified as a lost or
// unreachable connection.
type connectivityError struct{ err error }

func (e *connectivityError) Error() string { return e.err.Error() }
func (e *connectivityError) Unwrap() error { return e.err }

// MarkConnectivity tags err as connectivity-class. Backends use it for
// driver-specific errors the generic checks in IsConnectivity cannot see.
func MarkConnectivity(err error) error {
	if err == nil {
		return nil
	}
	return &connectivityError{err: err}
}

// IsConnectivity reports whether err means the backend (or the context) is
// gone, as opposed to a problem with one record. Connectivity errors abort
// the batch and the pass; everything else is absorbed per record.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var ce *connectivityError
	if errors.As(err, &ce) {
		return true
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, ErrClosed):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
