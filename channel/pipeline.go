// File: channel/pipeline.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipeline receives channel events on the owning loop.

package channel

import (
	"net"

	"github.com/momentics/hioload-net/core/buffer"
)

// Pipeline is the event sink attached to a channel. Every method runs on the
// channel's loop. A Read buffer is valid only for the duration of the call;
// Retain it to keep it.
type Pipeline interface {
	Connected(ch *Channel)
	// Read delivers received bytes. from is the source of a datagram and nil
	// for streams.
	Read(ch *Channel, buf *buffer.Buffer, from net.Addr)
	ReadClosed(ch *Channel)
	WriteClosed(ch *Channel)
	// Closed is the last event. err is nil after a graceful close.
	Closed(ch *Channel, err error)
	Error(ch *Channel, err error)
}

// Acceptor returns the pipeline for a channel accepted by a listener.
type Acceptor func(child *Channel) Pipeline

// PipelineFuncs adapts optional functions to Pipeline.
type PipelineFuncs struct {
	OnConnected   func(ch *Channel)
	OnRead        func(ch *Channel, buf *buffer.Buffer, from net.Addr)
	OnReadClosed  func(ch *Channel)
	OnWriteClosed func(ch *Channel)
	OnClosed      func(ch *Channel, err error)
	OnError       func(ch *Channel, err error)
}

var _ Pipeline = (*PipelineFuncs)(nil)

func (p *PipelineFuncs) Connected(ch *Channel) {
	if p.OnConnected != nil {
		p.OnConnected(ch)
	}
}

func (p *PipelineFuncs) Read(ch *Channel, buf *buffer.Buffer, from net.Addr) {
	if p.OnRead != nil {
		p.OnRead(ch, buf, from)
	}
}

func (p *PipelineFuncs) ReadClosed(ch *Channel) {
	if p.OnReadClosed != nil {
		p.OnReadClosed(ch)
	}
}

func (p *PipelineFuncs) WriteClosed(ch *Channel) {
	if p.OnWriteClosed != nil {
		p.OnWriteClosed(ch)
	}
}

func (p *PipelineFuncs) Closed(ch *Channel, err error) {
	if p.OnClosed != nil {
		p.OnClosed(ch, err)
	}
}

func (p *PipelineFuncs) Error(ch *Channel, err error) {
	if p.OnError != nil {
		p.OnError(ch, err)
	}
}
