// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"net"
)

// UDPTransport carries MODBUS over UDP datagrams, either as a client
// (dialing a single server) or bound as a server. In server mode the
// reply closure of each burst targets the datagram's source address,
// so multiple peers can share the transport.
type UDPTransport struct {
	// Address is the connect or listen string; a missing port
	// defaults to 502.
	Address string
	// Serve binds the address instead of dialing it.
	Serve bool

	Logger logger

	portState
	conn net.PacketConn
	peer net.Addr
}

// NewUDPTransport creates a UDP client transport for the given address.
func NewUDPTransport(address string) *UDPTransport {
	return &UDPTransport{Address: address}
}

// NewUDPServerTransport creates a UDP transport bound to the given
// address.
func NewUDPServerTransport(address string) *UDPTransport {
	return &UDPTransport{Address: address, Serve: true}
}

// Open binds or dials the socket. Opening an already open transport is
// a no-op.
func (t *UDPTransport) Open(ctx context.Context) error {
	t.portState.mu.Lock()
	defer t.portState.mu.Unlock()
	if t.destroyed {
		return ErrPortDestroyed
	}
	if t.open {
		return nil
	}
	address := withDefaultPort(t.Address)
	if t.Serve {
		conn, err := net.ListenPacket("udp", address)
		if err != nil {
			return err
		}
		t.conn = conn
	} else {
		peer, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return err
		}
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return err
		}
		t.conn = conn
		t.peer = peer
	}
	t.open = true
	go t.readLoop(t.conn)
	return nil
}

// Addr returns the bound socket address, or nil while closed.
func (t *UDPTransport) Addr() net.Addr {
	t.portState.mu.Lock()
	defer t.portState.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDPTransport) readLoop(conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFrom(buf)
		if n > 0 {
			burst := make([]byte, n)
			copy(burst, buf[:n])
			t.logf("modbus: recv % x", burst)
			peer := from
			t.emitData(burst, func(_ context.Context, p []byte) error {
				t.logf("modbus: send % x", p)
				_, err := conn.WriteTo(p, peer)
				return err
			})
		}
		if err != nil {
			if t.closeStale(conn) {
				t.emitErr(err)
				t.emitClosed()
			}
			return
		}
	}
}

func (t *UDPTransport) closeStale(conn net.PacketConn) bool {
	t.portState.mu.Lock()
	defer t.portState.mu.Unlock()
	if t.conn != conn {
		return false
	}
	t.conn.Close()
	t.conn = nil
	t.open = false
	return true
}

// Write sends p to the dialed peer. It fails on a serving transport;
// responses travel through the per-burst reply closure there.
func (t *UDPTransport) Write(_ context.Context, p []byte) error {
	t.portState.mu.Lock()
	conn, peer := t.conn, t.peer
	t.portState.mu.Unlock()
	if conn == nil || peer == nil {
		return ErrNotOpen
	}
	t.logf("modbus: send % x", p)
	_, err := conn.WriteTo(p, peer)
	return err
}

// Close closes the socket. Idempotent.
func (t *UDPTransport) Close() error {
	t.portState.mu.Lock()
	conn := t.conn
	t.conn = nil
	wasOpen := t.open
	t.open = false
	t.portState.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if wasOpen {
		t.emitClosed()
	}
	return err
}

// Destroy closes the socket permanently.
func (t *UDPTransport) Destroy() {
	t.portState.mu.Lock()
	t.destroyed = true
	t.portState.mu.Unlock()
	t.Close()
}

func (t *UDPTransport) logf(format string, v ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, v...)
	}
}
