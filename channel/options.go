// File: channel/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel options. Children of a listener inherit the listener's options.

package channel

import (
	"fmt"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// Metrics receives channel counters. Implementations must be safe for use
// from every loop.
type Metrics interface {
	AddBytesIn(n int)
	AddBytesOut(n int)
	IncAccepted()
	IncThrottled()
	ChannelOpened()
	ChannelClosed()
}

type options struct {
	bytesPerSecond int64
	tick           time.Duration
	closeTimeout   time.Duration
	acceptLimiter  *catrate.Limiter
	metrics        Metrics
}

// Option configures a channel.
type Option interface {
	applyChannel(*options) error
}

type optionImpl struct {
	applyChannelFunc func(*options) error
}

func (o *optionImpl) applyChannel(opts *options) error {
	return o.applyChannelFunc(opts)
}

// WithBackpressure limits writes to bytesPerSecond, refilled every tick.
// A non-positive rate disables the limit.
func WithBackpressure(bytesPerSecond int64, tick time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if tick < 0 {
			return fmt.Errorf("channel: invalid backpressure tick %v", tick)
		}
		opts.bytesPerSecond = bytesPerSecond
		opts.tick = tick
		return nil
	}}
}

// WithCloseTimeout bounds how long a close waits for an in-flight write.
// Zero waits indefinitely.
func WithCloseTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d < 0 {
			return fmt.Errorf("channel: invalid close timeout %v", d)
		}
		opts.closeTimeout = d
		return nil
	}}
}

// WithAcceptRate throttles accepted connections per remote host, allowing
// at most rates[window] connections in any window. Listeners only.
func WithAcceptRate(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *options) (err error) {
		if len(rates) == 0 {
			opts.acceptLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("channel: %v", r)
			}
		}()
		opts.acceptLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithMetrics feeds channel counters to m.
func WithMetrics(m Metrics) Option {
	return &optionImpl{func(opts *options) error {
		opts.metrics = m
		return nil
	}}
}

// CheckOptions reports the first option that would be rejected.
func CheckOptions(opts ...Option) error {
	_, err := resolveOptions(opts)
	return err
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{metrics: noopMetrics{}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyChannel(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.metrics == nil {
		cfg.metrics = noopMetrics{}
	}
	return cfg, nil
}

type noopMetrics struct{}

func (noopMetrics) AddBytesIn(int)  {}
func (noopMetrics) AddBytesOut(int) {}
func (noopMetrics) IncAccepted()    {}
func (noopMetrics) IncThrottled()   {}
func (noopMetrics) ChannelOpened()  {}
func (noopMetrics) ChannelClosed()  {}
