// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
)

const (
	asciiStart = ':'
	asciiCR    = '\r'
	asciiLF    = '\n'
	asciiEnd   = "\r\n"

	// asciiMaxSize bounds a frame on the line: start, 2x255 hex chars
	// (unit, 253 PDU bytes, LRC) and CRLF.
	asciiMaxSize = 513

	hexTable = "0123456789ABCDEF"
)

// ASCII scanner states.
const (
	asciiIdle = iota
	asciiReception
	asciiWaitingEnd
)

// ASCIIFramer frames MODBUS ASCII: ':' start, hex-encoded unit,
// function code, data and LRC, CRLF end. The scanner walks inbound
// bytes through the idle/reception/waiting-end states; a ':' anywhere
// restarts reception.
type ASCIIFramer struct {
	Logger logger

	mu        sync.Mutex
	transport Transport
	cancel    func()
	handler   FrameHandler
	wait      *responseWait
	state     int
	acc       []byte
	destroyed bool
}

// NewASCIIFramer attaches an ASCII framer to the transport.
func NewASCIIFramer(transport Transport) *ASCIIFramer {
	f := &ASCIIFramer{transport: transport}
	f.cancel = transport.Listen(TransportListener{
		Data:   f.onData,
		Closed: f.onClosed,
	})
	return f
}

// Encode renders the ADU on the line, uppercase hex as commonly seen in
// the field (encoding/hex only emits lowercase).
func (f *ASCIIFramer) Encode(adu *ADU) ([]byte, error) {
	if len(adu.Data)+1 > maxPDULength {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", len(adu.Data), maxPDULength-1)
	}
	var buf bytes.Buffer
	buf.WriteByte(asciiStart)
	writeHex(&buf, []byte{adu.Unit, adu.FunctionCode})
	writeHex(&buf, adu.Data)

	// The LRC covers the unpacked bytes, not the hex characters.
	var lrc lrc
	lrc.push(adu.Unit, adu.FunctionCode).push(adu.Data...)
	writeHex(&buf, []byte{lrc.value()})
	buf.WriteString(asciiEnd)

	adu.Raw = buf.Bytes()
	return adu.Raw, nil
}

// StartWait implements Framer.
func (f *ASCIIFramer) StartWait(checks []PreCheck, resolve func(*ADU, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wait != nil {
		return ErrWaitActive
	}
	f.wait = &responseWait{checks: checks, resolve: resolve}
	return nil
}

// StopWait implements Framer.
func (f *ASCIIFramer) StopWait() {
	f.mu.Lock()
	f.wait = nil
	f.mu.Unlock()
}

// SetFrameHandler implements Framer.
func (f *ASCIIFramer) SetFrameHandler(h FrameHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Destroy implements Framer.
func (f *ASCIIFramer) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.wait = nil
	f.state = asciiIdle
	f.acc = nil
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *ASCIIFramer) onData(p []byte, reply ReplyFunc) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	var delivers []func()
	for _, b := range p {
		switch f.state {
		case asciiIdle:
			if b == asciiStart {
				f.state = asciiReception
				f.acc = f.acc[:0]
			}
		case asciiReception:
			switch b {
			case asciiStart:
				f.acc = f.acc[:0]
			case asciiCR:
				f.state = asciiWaitingEnd
			default:
				if len(f.acc) < asciiMaxSize {
					f.acc = append(f.acc, b)
				}
			}
		case asciiWaitingEnd:
			switch b {
			case asciiStart:
				f.state = asciiReception
				f.acc = f.acc[:0]
			case asciiLF:
				if d := f.frameLocked(reply); d != nil {
					delivers = append(delivers, d)
				}
				f.state = asciiIdle
			default:
				f.state = asciiIdle
			}
		}
	}
	f.mu.Unlock()
	for _, deliver := range delivers {
		deliver()
	}
}

// frameLocked decodes the accumulated hex characters and returns the
// delivery for the caller to run after releasing the mutex.
func (f *ASCIIFramer) frameLocked(reply ReplyFunc) func() {
	adu, err := decodeASCII(f.acc)
	f.acc = f.acc[:0]

	if f.wait != nil {
		wait := f.wait
		f.wait = nil
		if err != nil {
			return func() { wait.resolve(nil, err) }
		}
		// Each decode attempt is terminal for ASCII: the framing is
		// self-delimiting, so a short frame can never complete later.
		if cerr := runPreChecks(wait.checks, adu); cerr != nil {
			return func() { wait.resolve(nil, cerr) }
		}
		if cerr := verifyASCIILRC(adu); cerr != nil {
			return func() { wait.resolve(nil, cerr) }
		}
		return func() { wait.resolve(adu, nil) }
	}

	if err != nil {
		f.logf("modbus: dropping ascii frame: %v", err)
		return nil
	}
	if err := verifyASCIILRC(adu); err != nil {
		f.logf("modbus: dropping ascii frame: %v", err)
		return nil
	}
	handler := f.handler
	if handler == nil {
		return nil
	}
	return func() { handler(adu, reply) }
}

// decodeASCII pairs the accumulated hex characters into bytes and
// splits them as unit | fc | data | LRC. The trailing LRC byte stays in
// Raw and is verified separately.
func decodeASCII(acc []byte) (*ADU, error) {
	if len(acc)%2 != 0 {
		return nil, fmt.Errorf("modbus: ascii frame length '%v' is not an even number", len(acc))
	}
	raw := make([]byte, hex.DecodedLen(len(acc)))
	if _, err := hex.Decode(raw, acc); err != nil {
		return nil, err
	}
	if len(raw) < 3 {
		return nil, ErrInsufficientData
	}
	return &ADU{
		Unit:         raw[0],
		FunctionCode: raw[1],
		Data:         raw[2 : len(raw)-1],
		Raw:          raw,
	}, nil
}

func verifyASCIILRC(adu *ADU) error {
	var lrc lrc
	lrc.push(adu.Unit, adu.FunctionCode).push(adu.Data...)
	if got := adu.Raw[len(adu.Raw)-1]; got != lrc.value() {
		return fmt.Errorf("modbus: response lrc '%v' does not match expected '%v'", got, lrc.value())
	}
	return nil
}

func (f *ASCIIFramer) onClosed() {
	f.mu.Lock()
	f.state = asciiIdle
	f.acc = f.acc[:0]
	f.mu.Unlock()
}

func (f *ASCIIFramer) logf(format string, v ...interface{}) {
	if f.Logger != nil {
		f.Logger.Printf(format, v...)
	}
}

// writeHex encodes byte to string in hexadecimal, e.g. 0xA5 => "A5"
// (encoding/hex only supports lowercase string).
func writeHex(buf *bytes.Buffer, value []byte) {
	var str [2]byte
	for _, v := range value {
		str[0] = hexTable[v>>4]
		str[1] = hexTable[v&0x0F]
		buf.Write(str[:])
	}
}
