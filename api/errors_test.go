package api

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusClosed, StatusOf(StatusClosed))
	assert.Equal(t, StatusReset, StatusOf(fmt.Errorf("write: %w", NewError(StatusReset, "send", syscall.ECONNRESET))))
	assert.Equal(t, StatusSocket, StatusOf(errors.New("boom")))
}

func TestErrorIsAndUnwrap(t *testing.T) {
	err := NewError(StatusRefused, "connect", syscall.ECONNREFUSED)
	assert.ErrorIs(t, err, StatusRefused)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.NotErrorIs(t, err, StatusReset)
	assert.Equal(t, "connect: connection refused: connection refused", err.Error())
	assert.Equal(t, "closed", NewError(StatusClosed, "", nil).Error())
}

func TestStatusClasses(t *testing.T) {
	assert.True(t, StatusWouldBlock.Transient())
	assert.True(t, StatusBackpressure.Transient())
	assert.False(t, StatusReset.Transient())
	assert.True(t, StatusAlready.Conflict())
	assert.False(t, StatusTerminating.Conflict())
	assert.Equal(t, "status(99)", Status(99).String())
}

func TestDefectPanics(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrDefect)
		assert.Contains(t, err.Error(), "double set")
	}()
	Defect("double set of %s", "promise")
}
