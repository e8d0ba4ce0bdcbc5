// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector. Channel counters are atomics fed through
// channel.WithMetrics; other components may publish free-form values.

package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-net/channel"
)

// MetricsRegistry holds channel counters and published values.
type MetricsRegistry struct {
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	accepted  atomic.Int64
	throttled atomic.Int64
	opened    atomic.Int64
	closed    atomic.Int64

	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

var _ channel.Metrics = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

func (mr *MetricsRegistry) AddBytesIn(n int)  { mr.bytesIn.Add(int64(n)) }
func (mr *MetricsRegistry) AddBytesOut(n int) { mr.bytesOut.Add(int64(n)) }
func (mr *MetricsRegistry) IncAccepted()      { mr.accepted.Add(1) }
func (mr *MetricsRegistry) IncThrottled()     { mr.throttled.Add(1) }
func (mr *MetricsRegistry) ChannelOpened()    { mr.opened.Add(1) }
func (mr *MetricsRegistry) ChannelClosed()    { mr.closed.Add(1) }

// Open returns the number of live channels.
func (mr *MetricsRegistry) Open() int64 { return mr.opened.Load() - mr.closed.Load() }

// Set sets or updates a published value.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns published values merged with the counters.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	out := make(map[string]any, len(mr.metrics)+8)
	for k, v := range mr.metrics {
		out[k] = v
	}
	if !mr.updated.IsZero() {
		out["updated"] = mr.updated
	}
	mr.mu.RUnlock()

	out["bytes_in"] = mr.bytesIn.Load()
	out["bytes_out"] = mr.bytesOut.Load()
	out["accepted"] = mr.accepted.Load()
	out["throttled"] = mr.throttled.Load()
	out["channels_opened"] = mr.opened.Load()
	out["channels_open"] = mr.Open()
	return out
}
