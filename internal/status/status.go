// Package status defines the result codes shared by the channel core, its
// drivers and the DSP helpers.
package status

import (
	"errors"
	"fmt"
)

// Status is the result code shared by the channel API and every I/O driver.
// It implements error so driver operations can return it directly.
type Status int

const (
	StatusSuccess Status = iota
	StatusFail
	StatusMemErr
	StatusTimeout
	StatusNotImpl
	StatusChecksumError
	StatusBreak
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFail:
		return "FAIL"
	case StatusMemErr:
		return "MEMERR"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusNotImpl:
		return "NOTIMPL"
	case StatusChecksumError:
		return "CHECKSUM_ERROR"
	case StatusBreak:
		return "BREAK"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Error implements error.
func (s Status) Error() string {
	return s.String()
}

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ErrX) to add context;
// Of recovers the code.
var (
	ErrFail     error = StatusFail
	ErrMemory   error = StatusMemErr
	ErrTimeout  error = StatusTimeout
	ErrNotImpl  error = StatusNotImpl
	ErrChecksum error = StatusChecksumError
	ErrBreak    error = StatusBreak
)

// Of maps an error returned by the core or a driver back onto the
// status enum. A nil error is SUCCESS and any error that does not wrap a
// Status is FAIL.
func Of(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusFail
}
