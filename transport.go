// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"sync"
)

// ReplyFunc writes a response towards the peer a burst originated from.
// For client sockets and serial lines it targets the single peer; for
// the TCP server and UDP transports it targets the originating
// connection or datagram source.
type ReplyFunc func(ctx context.Context, p []byte) error

// TransportListener receives the transport's event surface. Data is
// invoked once per inbound byte burst in delivery order.
type TransportListener struct {
	Data   func(p []byte, reply ReplyFunc)
	Err    func(err error)
	Closed func()
}

// Transport is an ordered byte-duplex connection. Implementations
// deliver inbound bursts to the registered listener from a single
// goroutine per peer.
type Transport interface {
	// Open establishes the connection. It fails with ErrPortDestroyed
	// once the transport has been destroyed.
	Open(ctx context.Context) error
	// Write sends p towards the (default) peer. It fails with
	// ErrNotOpen while the transport is closed.
	Write(ctx context.Context, p []byte) error
	// Close tears the connection down. Idempotent.
	Close() error
	// Destroy closes permanently; subsequent opens fail.
	Destroy()

	IsOpen() bool
	Destroyed() bool

	// Listen subscribes a listener and returns its disposer. Events
	// fan out to every subscribed listener in subscription order.
	Listen(l TransportListener) (cancel func())
}

// SerialInfo marks serial transports. The RTU framer reads the baud
// rate to size its inter-frame silence timer.
type SerialInfo interface {
	BaudRate() int
}

// portState carries the lifecycle and listener bookkeeping shared by
// the concrete transports.
type portState struct {
	mu        sync.Mutex
	open      bool
	destroyed bool
	nextID    int
	listeners []portListener
}

type portListener struct {
	id int
	l  TransportListener
}

func (s *portState) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *portState) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *portState) Listen(l TransportListener) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, portListener{id: id, l: l})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		for i, entry := range s.listeners {
			if entry.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

func (s *portState) snapshot() []portListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := make([]portListener, len(s.listeners))
	copy(ls, s.listeners)
	return ls
}

func (s *portState) emitData(p []byte, reply ReplyFunc) {
	for _, entry := range s.snapshot() {
		if entry.l.Data != nil {
			entry.l.Data(p, reply)
		}
	}
}

func (s *portState) emitErr(err error) {
	for _, entry := range s.snapshot() {
		if entry.l.Err != nil {
			entry.l.Err(err)
		}
	}
}

func (s *portState) emitClosed() {
	for _, entry := range s.snapshot() {
		if entry.l.Closed != nil {
			entry.l.Closed()
		}
	}
}
