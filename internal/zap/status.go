package zap

import (
	"fmt"

	"github.com/flowpbx/openzap/internal/status"
)

// Status is the result code shared by the channel API and every I/O driver.
type Status = status.Status

const (
	StatusSuccess       = status.StatusSuccess
	StatusFail          = status.StatusFail
	StatusMemErr        = status.StatusMemErr
	StatusTimeout       = status.StatusTimeout
	StatusNotImpl       = status.StatusNotImpl
	StatusChecksumError = status.StatusChecksumError
	StatusBreak         = status.StatusBreak
)

var (
	ErrFail     = status.ErrFail
	ErrMemory   = status.ErrMemory
	ErrTimeout  = status.ErrTimeout
	ErrNotImpl  = status.ErrNotImpl
	ErrChecksum = status.ErrChecksum
	ErrBreak    = status.ErrBreak
)

// StatusOf maps an error back onto the status enum.
func StatusOf(err error) Status {
	return status.Of(err)
}

// ErrNoEvent is returned by NextEvent when nothing is pending.
var ErrNoEvent = fmt.Errorf("no event pending: %w", ErrFail)

// ErrSpanFull is returned by AddChannel once the span's channel array is
// full.
var ErrSpanFull = fmt.Errorf("span channel capacity exceeded: %w", ErrFail)
