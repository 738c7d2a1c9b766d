// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol header
	tcpHeaderSize = 7
	tcpMaxLength  = 260
)

// TCPFramer frames MODBUS over TCP (MBAP): a 6-byte transaction,
// protocol and length prefix followed by unit, function code and data.
// The header self-delimits, so each inbound burst is expected to carry
// a complete frame; there is no checksum, integrity is the transport's
// responsibility.
type TCPFramer struct {
	Logger logger

	mu        sync.Mutex
	transport Transport
	cancel    func()
	handler   FrameHandler
	wait      *responseWait
	// transactionID rolls over modulo 256 skipping 0, so an assigned
	// identifier is never mistaken for "absent".
	transactionID uint16
	destroyed     bool
}

// NewTCPFramer attaches an MBAP framer to the transport.
func NewTCPFramer(transport Transport) *TCPFramer {
	f := &TCPFramer{transport: transport}
	f.cancel = transport.Listen(TransportListener{
		Data: f.onData,
	})
	return f
}

// Encode adds the modbus application protocol header:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
//
// A transaction identifier is assigned from the rolling counter when
// the ADU does not carry one.
func (f *TCPFramer) Encode(adu *ADU) ([]byte, error) {
	if len(adu.Data)+1 > maxPDULength {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", len(adu.Data), maxPDULength-1)
	}
	if !adu.HasTransaction {
		adu.Transaction = f.nextTransaction()
		adu.HasTransaction = true
	}
	raw := make([]byte, tcpHeaderSize+1+len(adu.Data))
	binary.BigEndian.PutUint16(raw, adu.Transaction)
	binary.BigEndian.PutUint16(raw[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(raw[4:], uint16(1+1+len(adu.Data)))
	raw[6] = adu.Unit
	raw[tcpHeaderSize] = adu.FunctionCode
	copy(raw[tcpHeaderSize+1:], adu.Data)

	adu.Raw = raw
	return raw, nil
}

func (f *TCPFramer) nextTransaction() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactionID = (f.transactionID + 1) % 256
	if f.transactionID == 0 {
		f.transactionID = 1
	}
	return f.transactionID
}

// StartWait implements Framer.
func (f *TCPFramer) StartWait(checks []PreCheck, resolve func(*ADU, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wait != nil {
		return ErrWaitActive
	}
	f.wait = &responseWait{checks: checks, resolve: resolve}
	return nil
}

// StopWait implements Framer.
func (f *TCPFramer) StopWait() {
	f.mu.Lock()
	f.wait = nil
	f.mu.Unlock()
}

// SetFrameHandler implements Framer.
func (f *TCPFramer) SetFrameHandler(h FrameHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Destroy implements Framer.
func (f *TCPFramer) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.wait = nil
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *TCPFramer) onData(p []byte, reply ReplyFunc) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}

	adu, err := decodeMBAP(p)

	if f.wait != nil {
		wait := f.wait
		f.wait = nil
		f.mu.Unlock()
		if err != nil {
			// Terminal even for a short read: the MBAP header
			// self-delimits, so a partial frame cannot complete in a
			// later burst.
			wait.resolve(nil, err)
			return
		}
		if cerr := runPreChecks(wait.checks, adu); cerr != nil {
			wait.resolve(nil, cerr)
			return
		}
		wait.resolve(adu, nil)
		return
	}

	handler := f.handler
	f.mu.Unlock()
	if err != nil {
		f.logf("modbus: dropping mbap frame: %v", err)
		return
	}
	if handler != nil {
		handler(adu, reply)
	}
}

// decodeMBAP validates the header and splits the burst into an ADU.
func decodeMBAP(p []byte) (*ADU, error) {
	if len(p) < tcpHeaderSize+1 {
		return nil, ErrInsufficientData
	}
	if len(p) > tcpMaxLength {
		return nil, fmt.Errorf("modbus: frame length '%v' exceeds maximum '%v'", len(p), tcpMaxLength)
	}
	if protocol := binary.BigEndian.Uint16(p[2:]); protocol != tcpProtocolIdentifier {
		return nil, fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", protocol, tcpProtocolIdentifier)
	}
	length := int(binary.BigEndian.Uint16(p[4:]))
	if length+6 != len(p) {
		return nil, fmt.Errorf("modbus: length in response '%v' does not match data length '%v'", length, len(p)-6)
	}
	raw := make([]byte, len(p))
	copy(raw, p)
	return &ADU{
		Transaction:    binary.BigEndian.Uint16(raw),
		HasTransaction: true,
		Unit:           raw[6],
		FunctionCode:   raw[tcpHeaderSize],
		Data:           raw[tcpHeaderSize+1:],
		Raw:            raw,
	}, nil
}

func (f *TCPFramer) logf(format string, v ...interface{}) {
	if f.Logger != nil {
		f.Logger.Printf(format, v...)
	}
}
