// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"io"

	"github.com/grid-x/serial"
)

// SerialTransport drives a serial line. It satisfies SerialInfo so the
// RTU framer can size its inter-frame timer from the baud rate.
type SerialTransport struct {
	// Serial port configuration.
	serial.Config

	Logger logger

	portState
	// port is platform-dependent data structure for serial port.
	port io.ReadWriteCloser
}

// NewSerialTransport creates a serial transport for the device at
// address, e.g. /dev/ttyUSB0.
func NewSerialTransport(address string) *SerialTransport {
	return &SerialTransport{
		Config: serial.Config{Address: address},
	}
}

// BaudRate implements SerialInfo.
func (t *SerialTransport) BaudRate() int {
	return t.Config.BaudRate
}

// Open opens the port. Opening an already open transport is a no-op.
func (t *SerialTransport) Open(_ context.Context) error {
	t.portState.mu.Lock()
	defer t.portState.mu.Unlock()
	if t.destroyed {
		return ErrPortDestroyed
	}
	if t.open {
		return nil
	}
	port, err := serial.Open(&t.Config)
	if err != nil {
		return err
	}
	t.port = port
	t.open = true
	go t.readLoop(port)
	return nil
}

func (t *SerialTransport) readLoop(port io.ReadWriteCloser) {
	reply := func(ctx context.Context, p []byte) error {
		return t.Write(ctx, p)
	}
	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			burst := make([]byte, n)
			copy(burst, buf[:n])
			t.logf("modbus: recv % x", burst)
			t.emitData(burst, reply)
		}
		if err != nil {
			if t.closeStale(port) {
				t.emitErr(err)
				t.emitClosed()
			}
			return
		}
	}
}

// closeStale tears down the port after a read failure unless the port
// was already replaced or closed deliberately.
func (t *SerialTransport) closeStale(port io.ReadWriteCloser) bool {
	t.portState.mu.Lock()
	defer t.portState.mu.Unlock()
	if t.port != port {
		return false
	}
	t.port.Close()
	t.port = nil
	t.open = false
	return true
}

// Write sends p down the line.
func (t *SerialTransport) Write(_ context.Context, p []byte) error {
	t.portState.mu.Lock()
	port := t.port
	t.portState.mu.Unlock()
	if port == nil {
		return ErrNotOpen
	}
	t.logf("modbus: send % x", p)
	_, err := port.Write(p)
	return err
}

// Close closes the port. Idempotent.
func (t *SerialTransport) Close() error {
	t.portState.mu.Lock()
	port := t.port
	t.port = nil
	wasOpen := t.open
	t.open = false
	t.portState.mu.Unlock()
	var err error
	if port != nil {
		err = port.Close()
	}
	if wasOpen {
		t.emitClosed()
	}
	return err
}

// Destroy closes the port permanently.
func (t *SerialTransport) Destroy() {
	t.portState.mu.Lock()
	t.destroyed = true
	t.portState.mu.Unlock()
	t.Close()
}

func (t *SerialTransport) logf(format string, v ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, v...)
	}
}
