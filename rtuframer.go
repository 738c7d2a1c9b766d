// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	// rtuSilenceBits is the default frame gap of 3.5 characters,
	// expressed in bits. See MODBUS over Serial Line - Specification
	// and Implementation Guide (page 13).
	rtuSilenceBits = 48
)

// RTUFramer frames MODBUS RTU: [unit | fc | data | CRC16-LE]. Frames on
// a serial line are delimited by 3.5 characters of silence; outside
// response-wait mode the framer arms a timer per burst and frames the
// accumulated buffer when the line goes quiet. While waiting for a
// response it attempts to frame on every burst instead, recovering from
// short reads until the pre-checked length is complete.
type RTUFramer struct {
	Logger logger

	mu        sync.Mutex
	transport Transport
	cancel    func()
	handler   FrameHandler
	wait      *responseWait
	buf       []byte
	lastReply ReplyFunc
	silence   time.Duration
	timer     *time.Timer
	destroyed bool
}

// NewRTUFramer attaches an RTU framer to the transport. The inter-frame
// silence is derived from the transport's baud rate for serial
// transports and is zero (frame per burst) otherwise.
func NewRTUFramer(transport Transport) *RTUFramer {
	f := &RTUFramer{transport: transport}
	if s, ok := transport.(SerialInfo); ok {
		f.silence = rtuSilenceInterval(s.BaudRate(), rtuSilenceBits)
	}
	f.cancel = transport.Listen(TransportListener{
		Data:   f.onData,
		Closed: f.onClosed,
	})
	return f
}

// SetInterFrameTimeout overrides the 3.5T interval. The override is
// either "<N>bit" (N bits fed into the baud rate formula) or "<N>ms"
// (a literal duration).
func (f *RTUFramer) SetInterFrameTimeout(override string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasSuffix(override, "bit"):
		bits, err := strconv.Atoi(strings.TrimSuffix(override, "bit"))
		if err != nil || bits <= 0 {
			return fmt.Errorf("modbus: invalid inter-frame override '%v'", override)
		}
		baud := 0
		if s, ok := f.transport.(SerialInfo); ok {
			baud = s.BaudRate()
		}
		f.silence = rtuSilenceInterval(baud, bits)
	case strings.HasSuffix(override, "ms"):
		ms, err := strconv.Atoi(strings.TrimSuffix(override, "ms"))
		if err != nil || ms < 0 {
			return fmt.Errorf("modbus: invalid inter-frame override '%v'", override)
		}
		f.silence = time.Duration(ms) * time.Millisecond
	default:
		return fmt.Errorf("modbus: invalid inter-frame override '%v'", override)
	}
	return nil
}

// rtuSilenceInterval computes the inter-frame gap from the baud rate.
// Above 19200 baud the specification fixes the gap at 1.75ms, which is
// ceiled to the next full millisecond.
func rtuSilenceInterval(baudRate, bits int) time.Duration {
	if baudRate <= 0 {
		return 0
	}
	if baudRate > 19200 {
		return 2 * time.Millisecond
	}
	return time.Duration(bits) * time.Second / time.Duration(baudRate)
}

// Encode renders the ADU as [unit | fc | data | CRC16-LE].
func (f *RTUFramer) Encode(adu *ADU) ([]byte, error) {
	length := len(adu.Data) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, rtuMaxSize)
	}
	raw := make([]byte, length)
	raw[0] = adu.Unit
	raw[1] = adu.FunctionCode
	copy(raw[2:], adu.Data)

	var crc crc
	crc.reset().pushBytes(raw[:length-2])
	checksum := crc.value()
	raw[length-2] = byte(checksum)
	raw[length-1] = byte(checksum >> 8)

	adu.Raw = raw
	return raw, nil
}

// StartWait implements Framer.
func (f *RTUFramer) StartWait(checks []PreCheck, resolve func(*ADU, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wait != nil {
		return ErrWaitActive
	}
	f.wait = &responseWait{checks: checks, resolve: resolve}
	f.stopTimerLocked()
	f.buf = f.buf[:0]
	return nil
}

// StopWait implements Framer.
func (f *RTUFramer) StopWait() {
	f.mu.Lock()
	f.wait = nil
	f.buf = f.buf[:0]
	f.mu.Unlock()
}

// SetFrameHandler implements Framer.
func (f *RTUFramer) SetFrameHandler(h FrameHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Destroy implements Framer.
func (f *RTUFramer) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.wait = nil
	f.buf = nil
	f.stopTimerLocked()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *RTUFramer) onData(p []byte, reply ReplyFunc) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.buf = append(f.buf, p...)
	f.lastReply = reply

	if f.wait != nil {
		wait := f.wait
		adu, err := f.frameLocked()
		if err == ErrInsufficientData {
			// Recoverable: keep accumulating, the next burst may
			// complete the frame.
			f.mu.Unlock()
			return
		}
		f.wait = nil
		f.buf = f.buf[:0]
		f.mu.Unlock()
		wait.resolve(adu, err)
		return
	}

	if f.silence == 0 {
		emit := f.emitLocked()
		f.mu.Unlock()
		if emit != nil {
			emit()
		}
		return
	}
	if f.timer == nil {
		f.timer = time.AfterFunc(f.silence, f.onSilence)
	} else {
		f.timer.Reset(f.silence)
	}
	f.mu.Unlock()
}

// onSilence fires after 3.5T of quiet line: the buffer is framed as a
// whole and always reset.
func (f *RTUFramer) onSilence() {
	f.mu.Lock()
	if f.destroyed || f.wait != nil {
		f.mu.Unlock()
		return
	}
	emit := f.emitLocked()
	f.mu.Unlock()
	if emit != nil {
		emit()
	}
}

// emitLocked frames the accumulated buffer and resets it. It returns
// the handler invocation for the caller to run after releasing the
// mutex, or nil when there is nothing to emit.
func (f *RTUFramer) emitLocked() func() {
	adu, err := f.frameAllLocked()
	f.buf = f.buf[:0]
	if err != nil {
		f.logf("modbus: dropping rtu frame: %v", err)
		return nil
	}
	handler, reply := f.handler, f.lastReply
	if handler == nil {
		return nil
	}
	return func() { handler(adu, reply) }
}

// frameLocked judges the buffer against the pending wait's pre-checks.
// The CRC is only verified after every pre-check passed, so that a
// partial frame surfaces as ErrInsufficientData rather than a checksum
// mismatch.
func (f *RTUFramer) frameLocked() (*ADU, error) {
	if len(f.buf) < rtuMinSize {
		return nil, ErrInsufficientData
	}
	adu := &ADU{
		Unit:         f.buf[0],
		FunctionCode: f.buf[1],
		Data:         f.buf[2 : len(f.buf)-2],
	}
	if err := runPreChecks(f.wait.checks, adu); err != nil {
		return nil, err
	}
	return f.sealLocked(adu)
}

// frameAllLocked frames the whole buffer without pre-checks.
func (f *RTUFramer) frameAllLocked() (*ADU, error) {
	if len(f.buf) < rtuMinSize {
		return nil, ErrInsufficientData
	}
	adu := &ADU{
		Unit:         f.buf[0],
		FunctionCode: f.buf[1],
		Data:         f.buf[2 : len(f.buf)-2],
	}
	return f.sealLocked(adu)
}

// sealLocked verifies the CRC and detaches the ADU from the buffer.
func (f *RTUFramer) sealLocked(adu *ADU) (*ADU, error) {
	length := len(f.buf)
	var crc crc
	crc.reset().pushBytes(f.buf[:length-2])
	checksum := uint16(f.buf[length-1])<<8 | uint16(f.buf[length-2])
	if checksum != crc.value() {
		return nil, fmt.Errorf("modbus: response crc '%v' does not match expected '%v'", checksum, crc.value())
	}
	raw := make([]byte, length)
	copy(raw, f.buf)
	adu.Raw = raw
	adu.Data = raw[2 : length-2]
	return adu, nil
}

func (f *RTUFramer) onClosed() {
	f.mu.Lock()
	f.buf = f.buf[:0]
	f.stopTimerLocked()
	f.mu.Unlock()
}

func (f *RTUFramer) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
	}
}

func (f *RTUFramer) logf(format string, v ...interface{}) {
	if f.Logger != nil {
		f.Logger.Printf(format, v...)
	}
}
