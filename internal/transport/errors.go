// File: internal/transport/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// OS error translation into the api status domain. Errors are translated
// once, here, so channels only ever see api statuses.

package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/momentics/hioload-net/api"
)

// Translate maps err from op into the status domain. Would-block conditions
// come back as the bare api.StatusWouldBlock so the hot path does not allocate.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var s api.Status
	if errors.As(err, &s) {
		return err
	}
	var e *api.Error
	if errors.As(err, &e) {
		return err
	}
	code := classify(err)
	if code == api.StatusWouldBlock {
		return api.StatusWouldBlock
	}
	return api.NewError(code, op, err)
}

func classify(err error) api.Status {
	switch {
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK),
		errors.Is(err, syscall.EINPROGRESS), errors.Is(err, syscall.EALREADY):
		return api.StatusWouldBlock
	case errors.Is(err, io.EOF):
		return api.StatusEOF
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED):
		return api.StatusReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return api.StatusRefused
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, os.ErrDeadlineExceeded):
		return api.StatusTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EBADF):
		return api.StatusClosed
	case errors.Is(err, syscall.EINVAL), errors.Is(err, api.ErrInvalidArgument):
		return api.StatusInvalid
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return api.StatusTimeout
	}
	return api.StatusSocket
}
