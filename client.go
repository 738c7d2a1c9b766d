// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout is the per-request response timeout used when the
// client has none configured.
const DefaultTimeout = 1000 * time.Millisecond

// Client is a MODBUS master. One method per supported function code;
// each takes the context first and the unit address second. Requests to
// unit 0 are broadcast: they complete as soon as the write flushed, with
// no response awaited. Read methods then return a nil result; write
// methods return the values taken from the request. Requests are
// serialized internally, the framer holds a single response-wait slot.
type Client struct {
	// Timeout bounds the wait for a matching response. Zero means
	// DefaultTimeout; the context deadline applies on top of it.
	Timeout time.Duration
	Logger  logger

	framer    Framer
	transport Transport
	sem       chan struct{}
}

// NewClient creates a modbus client on the given framer and transport.
// The framer must be attached to the same transport.
func NewClient(framer Framer, transport Transport) *Client {
	c := &Client{
		framer:    framer,
		transport: transport,
		sem:       make(chan struct{}, 1),
	}
	c.sem <- struct{}{}
	return c
}

// Open opens the underlying transport.
func (mb *Client) Open(ctx context.Context) error {
	return mb.transport.Open(ctx)
}

// Close closes the underlying transport.
func (mb *Client) Close() error {
	return mb.transport.Close()
}

// Destroy releases the framer and destroys the transport. Any in-flight
// request is abandoned.
func (mb *Client) Destroy() {
	mb.framer.Destroy()
	mb.transport.Destroy()
}

// IsOpen reports whether the underlying transport is open.
func (mb *Client) IsOpen() bool {
	return mb.transport.IsOpen()
}

// Destroyed reports whether the underlying transport is destroyed.
func (mb *Client) Destroyed() bool {
	return mb.transport.Destroyed()
}

// Listen subscribes to the transport's error and close events.
func (mb *Client) Listen(onErr func(error), onClose func()) (cancel func()) {
	return mb.transport.Listen(TransportListener{Err: onErr, Closed: onClose})
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
//
// The coil status unpacks LSB-first into quantity booleans.
func (mb *Client) ReadCoils(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	return mb.readBits(ctx, unit, FuncCodeReadCoils, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (mb *Client) ReadDiscreteInputs(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	return mb.readBits(ctx, unit, FuncCodeReadDiscreteInputs, address, quantity)
}

func (mb *Client) readBits(ctx context.Context, unit, functionCode byte, address, quantity uint16) ([]bool, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 2000)
	}
	byteCount := byte((quantity + 7) / 8)
	response, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: functionCode,
		Data:         dataBlock(address, quantity),
	}, []PreCheck{
		matchUnitFunction(unit, functionCode),
		dataLength(1 + int(byteCount)),
		byteCountAt(0, byteCount),
	})
	if err != nil || response == nil {
		return nil, err
	}
	return unpackBits(response.Data[1:], int(quantity)), nil
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (mb *Client) ReadHoldingRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	return mb.readWords(ctx, unit, FuncCodeReadHoldingRegisters, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : Nx2 bytes
func (mb *Client) ReadInputRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	return mb.readWords(ctx, unit, FuncCodeReadInputRegisters, address, quantity)
}

func (mb *Client) readWords(ctx context.Context, unit, functionCode byte, address, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 125)
	}
	response, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: functionCode,
		Data:         dataBlock(address, quantity),
	}, []PreCheck{
		matchUnitFunction(unit, functionCode),
		dataLength(1 + 2*int(quantity)),
		byteCountAt(0, byte(2*quantity)),
	})
	if err != nil || response == nil {
		return nil, err
	}
	return bytesToWords(response.Data[1:]), nil
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response: echo of the request.
func (mb *Client) WriteSingleCoil(ctx context.Context, unit byte, address uint16, value bool) (bool, error) {
	state := uint16(0x0000)
	if value {
		state = 0xFF00
	}
	request := dataBlock(address, state)
	_, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeWriteSingleCoil,
		Data:         request,
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeWriteSingleCoil),
		dataLength(4),
		echoPrefix(request),
	})
	if err != nil {
		return false, err
	}
	return value, nil
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
//
// Response: echo of the request.
func (mb *Client) WriteSingleRegister(ctx context.Context, unit byte, address, value uint16) (uint16, error) {
	request := dataBlock(address, value)
	_, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeWriteSingleRegister,
		Data:         request,
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeWriteSingleRegister),
		dataLength(4),
		echoPrefix(request),
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//
// It returns the echoed quantity of outputs.
func (mb *Client) WriteMultipleCoils(ctx context.Context, unit byte, address uint16, values []bool) (uint16, error) {
	quantity := uint16(len(values))
	if quantity < 1 || quantity > 1968 {
		return 0, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 1968)
	}
	_, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeWriteMultipleCoils,
		Data:         dataBlockSuffix(packBits(values), address, quantity),
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeWriteMultipleCoils),
		dataLength(4),
		echoPrefix(dataBlock(address, quantity)),
	})
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// It returns the echoed quantity of registers.
func (mb *Client) WriteMultipleRegisters(ctx context.Context, unit byte, address uint16, values []uint16) (uint16, error) {
	quantity := uint16(len(values))
	if quantity < 1 || quantity > 123 {
		return 0, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 123)
	}
	_, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Data:         dataBlockSuffix(wordsToBytes(values), address, quantity),
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeWriteMultipleRegisters),
		dataLength(4),
		echoPrefix(dataBlock(address, quantity)),
	})
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

// Request:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
//
// Response: echo of the request. It returns the echoed AND and OR mask.
func (mb *Client) MaskWriteRegister(ctx context.Context, unit byte, address, andMask, orMask uint16) (uint16, uint16, error) {
	request := dataBlock(address, andMask, orMask)
	_, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeMaskWriteRegister,
		Data:         request,
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeMaskWriteRegister),
		dataLength(6),
		echoPrefix(request),
	})
	if err != nil {
		return 0, 0, err
	}
	return andMask, orMask, nil
}

// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x17)
//	Byte count            : 1 byte
//	Read registers value  : Nx2 bytes
func (mb *Client) ReadWriteMultipleRegisters(ctx context.Context, unit byte, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	writeQuantity := uint16(len(values))
	if readQuantity < 1 || readQuantity > 125 {
		return nil, fmt.Errorf("modbus: quantity to read '%v' must be between '%v' and '%v',", readQuantity, 1, 125)
	}
	if writeQuantity < 1 || writeQuantity > 121 {
		return nil, fmt.Errorf("modbus: quantity to write '%v' must be between '%v' and '%v',", writeQuantity, 1, 121)
	}
	response, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeReadWriteMultipleRegisters,
		Data:         dataBlockSuffix(wordsToBytes(values), readAddress, readQuantity, writeAddress, writeQuantity),
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeReadWriteMultipleRegisters),
		dataLength(1 + 2*int(readQuantity)),
		byteCountAt(0, byte(2*readQuantity)),
	})
	if err != nil || response == nil {
		return nil, err
	}
	return bytesToWords(response.Data[1:]), nil
}

// ServerIDReport is the decoded Report Server ID (0x11) response.
type ServerIDReport struct {
	ServerID           byte
	RunIndicatorStatus bool
	AdditionalData     []byte
}

// Request:
//
//	Function code         : 1 byte (0x11)
//
// Response:
//
//	Function code         : 1 byte (0x11)
//	Byte count            : 1 byte
//	Server ID             : 1 byte
//	Run indicator status  : 1 byte (0x00 = OFF, 0xFF = ON)
//	Additional data       : N bytes
func (mb *Client) ReportServerID(ctx context.Context, unit byte) (*ServerIDReport, error) {
	response, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeReportServerID,
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeReportServerID),
		func(adu *ADU) Check {
			if len(adu.Data) < 1 {
				return Pending()
			}
			return DataLength(1 + int(adu.Data[0]))
		},
	})
	if err != nil || response == nil {
		return nil, err
	}
	if len(response.Data) < 3 {
		return nil, ErrInvalidResponse
	}
	return &ServerIDReport{
		ServerID:           response.Data[1],
		RunIndicatorStatus: response.Data[2] == 0xFF,
		AdditionalData:     response.Data[3:],
	}, nil
}

// request issues a single request/response exchange:
// encode, start the response wait, write, arm the timer. The wait
// resolves on the first frame passing the pre-checks, fails on the
// first terminal pre-check error, or times out. Broadcasts (unit 0)
// complete once the write flushed; no wait is started.
func (mb *Client) request(ctx context.Context, adu *ADU, checks []PreCheck) (*ADU, error) {
	select {
	case <-mb.sem:
		defer func() { mb.sem <- struct{}{} }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw, err := mb.framer.Encode(adu)
	if err != nil {
		return nil, err
	}

	if adu.Unit == 0 {
		mb.logf("modbus: send % x (broadcast)", raw)
		return nil, mb.transport.Write(ctx, raw)
	}

	type outcome struct {
		adu *ADU
		err error
	}
	ch := make(chan outcome, 1)
	if err := mb.framer.StartWait(checks, func(a *ADU, err error) {
		ch <- outcome{adu: a, err: err}
	}); err != nil {
		return nil, err
	}

	mb.logf("modbus: send % x", raw)
	if err := mb.transport.Write(ctx, raw); err != nil {
		mb.framer.StopWait()
		return nil, err
	}

	timeout := mb.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		mb.framer.StopWait()
		if out.err != nil {
			return nil, out.err
		}
		mb.logf("modbus: recv % x", out.adu.Raw)
		return out.adu, nil
	case <-timer.C:
		mb.framer.StopWait()
		return nil, ErrTimeout
	case <-ctx.Done():
		mb.framer.StopWait()
		return nil, ctx.Err()
	}
}

func (mb *Client) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
