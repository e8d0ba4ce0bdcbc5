package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "active|connected", (FlagActive | FlagConnected).String())
	assert.Equal(t, "bit31", Flags(1<<31).String())
}

func TestFlagsTransition(t *testing.T) {
	for _, tc := range []struct {
		name   string
		from   Flags
		clear  Flags
		set    Flags
		reject bool
	}{
		{name: "attach", from: FlagClosed, clear: FlagClosed, set: FlagActive | FlagConnecting},
		{name: "connected", from: FlagActive | FlagConnecting, clear: FlagConnecting, set: FlagConnected},
		{name: "datagram dialer", from: FlagClosed, clear: FlagClosed, set: FlagActive | FlagDatagram | FlagConnecting},
		{name: "two activities", from: FlagActive, set: FlagPassive, reject: true},
		{name: "connecting while connected", from: FlagActive | FlagConnected, set: FlagConnecting, reject: true},
		{name: "connecting while closed", from: FlagClosed, set: FlagActive | FlagConnecting, reject: true},
		{name: "backpressure after write shutdown", from: FlagConnected | FlagWriteShutdown, set: FlagBackpressure, reject: true},
		{name: "write shutdown clears backpressure", from: FlagConnected | FlagBackpressure, clear: FlagBackpressure, set: FlagWriteShuttingDown},
		{name: "two read phases", from: FlagReadPending, set: FlagReadShutdown, reject: true},
		{name: "read phase advance", from: FlagReadPending, clear: FlagReadPending, set: FlagReadShuttingDown},
		{name: "two write phases", from: FlagWriteShuttingDown, set: FlagWritePending, reject: true},
		{name: "reopen", from: FlagClosed | FlagReadShutdown | FlagWriteShutdown, clear: FlagClosed, reject: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			next, err := tc.from.transition(tc.clear, tc.set)
			if tc.reject {
				require.Error(t, err)
				assert.Equal(t, tc.from, next)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.from&^tc.clear|tc.set, next)
		})
	}
}

func TestBucket(t *testing.T) {
	assert.Nil(t, newBucket(0, time.Second))

	b := newBucket(1000, 0)
	require.NotNil(t, b)
	assert.Equal(t, DefaultBackpressureTick, b.tick)
	assert.Equal(t, 10, b.available())
	assert.True(t, b.full())

	b.consume(4)
	assert.Equal(t, 6, b.available())
	assert.False(t, b.full())
	b.consume(100)
	assert.Zero(t, b.available())

	b.refill()
	b.refill()
	assert.Equal(t, 10, b.available(), "unused budget does not accumulate")

	assert.Equal(t, 1, newBucket(1, time.Millisecond).available())
}
