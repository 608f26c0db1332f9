// Package transport decouples the sync engine tick from network I/O.
//
// The engine pushes outbound frames and drains inbound frames through a Transport;
// a Conn moves frames between the queues and a websocket on its own goroutines.
package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/adwski/objectsync/protocol"
)

var (
	ErrNotConnected = errors.New("transport is not connected")
)

type Transport struct {
	out       *Queue[*protocol.Frame]
	in        *Queue[*protocol.Frame]
	connected atomic.Bool

	mx     sync.Mutex
	closer io.Closer
}

func New() *Transport {
	return &Transport{
		out: NewQueue[*protocol.Frame](),
		in:  NewQueue[*protocol.Frame](),
	}
}

// Send enqueues a frame for the network sender. It never blocks.
func (t *Transport) Send(f *protocol.Frame) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	t.out.Push(f)
	return nil
}

// Drain returns every inbound frame received since the previous call.
func (t *Transport) Drain() []*protocol.Frame {
	return t.in.Drain()
}

// Deliver is called by the network side for each received frame.
func (t *Transport) Deliver(f *protocol.Frame) {
	t.in.Push(f)
}

func (t *Transport) Outbound() *Queue[*protocol.Frame] {
	return t.out
}

func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Attach marks the transport connected. Close will close c.
func (t *Transport) Attach(c io.Closer) {
	t.mx.Lock()
	t.closer = c
	t.mx.Unlock()
	t.connected.Store(true)
}

// Detach marks the transport disconnected and discards unsent frames.
func (t *Transport) Detach() {
	t.connected.Store(false)
	t.out.Clear()
	t.mx.Lock()
	t.closer = nil
	t.mx.Unlock()
}

// Close tears down the attached connection, if any.
func (t *Transport) Close() error {
	t.mx.Lock()
	c := t.closer
	t.mx.Unlock()
	t.Detach()
	if c == nil {
		return nil
	}
	return c.Close()
}
