// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Model is a logical server device bound to a unit address. Every
// callback is optional; a missing callback makes the matching function
// code answer with an illegal-function exception. Callbacks may be
// invoked concurrently when a multi-write is emulated through its
// single-write counterpart.
type Model struct {
	// Unit is the address the model answers on. Zero defaults to 1
	// when the model is added.
	Unit byte

	// Interceptor runs before the function code handler. A non-nil
	// payload is sent back as the normal response, skipping the
	// handler; an error synthesizes an exception response; nil/nil
	// falls through to the handler.
	Interceptor func(ctx context.Context, functionCode byte, data []byte) ([]byte, error)

	ReadCoils          func(ctx context.Context, address, quantity uint16) ([]bool, error)
	ReadDiscreteInputs func(ctx context.Context, address, quantity uint16) ([]bool, error)

	ReadHoldingRegisters func(ctx context.Context, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters   func(ctx context.Context, address, quantity uint16) ([]uint16, error)

	WriteSingleCoil        func(ctx context.Context, address uint16, value bool) error
	WriteSingleRegister    func(ctx context.Context, address, value uint16) error
	WriteMultipleCoils     func(ctx context.Context, address uint16, values []bool) error
	WriteMultipleRegisters func(ctx context.Context, address uint16, values []uint16) error

	MaskWriteRegister func(ctx context.Context, address, andMask, orMask uint16) error

	ReportServerID           func(ctx context.Context) (*ServerIDReport, error)
	ReadDeviceIdentification func(ctx context.Context) (map[byte]string, error)

	// AddressRanges restricts the addresses the model accepts per data
	// category. Nil slices accept every address.
	AddressRanges AddressRanges
}

// Server is a MODBUS slave: it owns one model per unit address,
// dispatches inbound requests to the matching model's handler and
// synthesizes normal or exception responses. Broadcast frames (unit 0)
// dispatch to every model with the response suppressed.
type Server struct {
	Logger logger

	framer    Framer
	transport Transport

	mu     sync.Mutex
	models map[byte]*Model
}

// NewServer creates a modbus server on the given framer and transport.
// The framer must be attached to the same transport.
func NewServer(framer Framer, transport Transport) *Server {
	s := &Server{
		framer:    framer,
		transport: transport,
		models:    make(map[byte]*Model),
	}
	framer.SetFrameHandler(s.onFrame)
	return s
}

// Add registers a model. A model with unit 0 is registered on the
// default unit 1. Unit addresses are unique.
func (s *Server) Add(m *Model) error {
	if m.Unit == 0 {
		m.Unit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.models[m.Unit]; exists {
		return fmt.Errorf("modbus: unit '%v' is already registered", m.Unit)
	}
	s.models[m.Unit] = m
	return nil
}

// Remove drops the model registered on the unit address.
func (s *Server) Remove(unit byte) {
	s.mu.Lock()
	delete(s.models, unit)
	s.mu.Unlock()
}

// Open opens the underlying transport.
func (s *Server) Open(ctx context.Context) error {
	return s.transport.Open(ctx)
}

// Close closes the underlying transport.
func (s *Server) Close() error {
	return s.transport.Close()
}

// Destroy releases the framer and destroys the transport.
func (s *Server) Destroy() {
	s.framer.Destroy()
	s.transport.Destroy()
}

// IsOpen reports whether the underlying transport is open.
func (s *Server) IsOpen() bool {
	return s.transport.IsOpen()
}

// Destroyed reports whether the underlying transport is destroyed.
func (s *Server) Destroyed() bool {
	return s.transport.Destroyed()
}

// Listen subscribes to the transport's error and close events.
func (s *Server) Listen(onErr func(error), onClose func()) (cancel func()) {
	return s.transport.Listen(TransportListener{Err: onErr, Closed: onClose})
}

// errDropFrame silently discards a malformed request: the wire level
// grammar failed, so no response is owed.
var errDropFrame = errors.New("modbus: malformed request dropped")

func (s *Server) onFrame(adu *ADU, reply ReplyFunc) {
	ctx := context.Background()

	if adu.Unit == 0 {
		// Broadcast: every model processes the request, nobody
		// responds.
		s.mu.Lock()
		models := make([]*Model, 0, len(s.models))
		for _, m := range s.models {
			models = append(models, m)
		}
		s.mu.Unlock()
		var wg sync.WaitGroup
		for _, m := range models {
			wg.Add(1)
			go func(m *Model) {
				defer wg.Done()
				s.dispatch(ctx, m, adu)
			}(m)
		}
		wg.Wait()
		return
	}

	s.mu.Lock()
	model := s.models[adu.Unit]
	s.mu.Unlock()
	if model == nil {
		// Not our address.
		return
	}

	data, err := s.dispatch(ctx, model, adu)
	switch {
	case err == errDropFrame:
		s.logf("modbus: dropping malformed request unit '%v' function '%v'", adu.Unit, adu.FunctionCode)
		return
	case err != nil:
		s.respond(ctx, adu, reply, adu.FunctionCode|0x80, []byte{byte(exceptionFromError(err))})
	default:
		s.respond(ctx, adu, reply, adu.FunctionCode, data)
	}
}

func (s *Server) respond(ctx context.Context, request *ADU, reply ReplyFunc, functionCode byte, data []byte) {
	if reply == nil {
		return
	}
	raw, err := s.framer.Encode(&ADU{
		Transaction:    request.Transaction,
		HasTransaction: request.HasTransaction,
		Unit:           request.Unit,
		FunctionCode:   functionCode,
		Data:           data,
	})
	if err != nil {
		s.logf("modbus: encoding response: %v", err)
		return
	}
	s.logf("modbus: send % x", raw)
	if err := reply(ctx, raw); err != nil {
		s.logf("modbus: writing response: %v", err)
	}
}

// dispatch runs the interceptor and the function code handler for one
// model. It returns the normal response payload, errDropFrame for a
// malformed request, or an error that maps to an exception code.
func (s *Server) dispatch(ctx context.Context, m *Model, adu *ADU) ([]byte, error) {
	if m.Interceptor != nil {
		data, err := m.Interceptor(ctx, adu.FunctionCode, adu.Data)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return data, nil
		}
	}

	switch adu.FunctionCode {
	case FuncCodeReadCoils:
		return handleReadBits(ctx, adu.Data, m.ReadCoils, m.AddressRanges.Coils)
	case FuncCodeReadDiscreteInputs:
		return handleReadBits(ctx, adu.Data, m.ReadDiscreteInputs, m.AddressRanges.DiscreteInputs)
	case FuncCodeReadHoldingRegisters:
		return handleReadWords(ctx, adu.Data, m.ReadHoldingRegisters, m.AddressRanges.HoldingRegisters)
	case FuncCodeReadInputRegisters:
		return handleReadWords(ctx, adu.Data, m.ReadInputRegisters, m.AddressRanges.InputRegisters)
	case FuncCodeWriteSingleCoil:
		return handleWriteSingleCoil(ctx, adu.Data, m)
	case FuncCodeWriteSingleRegister:
		return handleWriteSingleRegister(ctx, adu.Data, m)
	case FuncCodeWriteMultipleCoils:
		return handleWriteMultipleCoils(ctx, adu.Data, m)
	case FuncCodeWriteMultipleRegisters:
		return handleWriteMultipleRegisters(ctx, adu.Data, m)
	case FuncCodeReportServerID:
		return handleReportServerID(ctx, adu.Data, m)
	case FuncCodeMaskWriteRegister:
		return handleMaskWriteRegister(ctx, adu.Data, m)
	case FuncCodeReadWriteMultipleRegisters:
		return handleReadWriteMultipleRegisters(ctx, adu.Data, m)
	case FuncCodeEncapsulatedInterface:
		return handleEncapsulatedInterface(ctx, adu.Data, m)
	default:
		return nil, ExceptionCodeIllegalFunction
	}
}

// exceptionFromError maps a model callback error to an exception code.
// Errors carrying one of the nine codes keep it; everything else
// becomes a server device failure.
func exceptionFromError(err error) ExceptionCode {
	var code ExceptionCode
	if !errors.As(err, &code) {
		var mbErr *Error
		if !errors.As(err, &mbErr) {
			return ExceptionCodeServerDeviceFailure
		}
		code = mbErr.ExceptionCode
	}
	switch code {
	case ExceptionCodeIllegalFunction, ExceptionCodeIllegalDataAddress,
		ExceptionCodeIllegalDataValue, ExceptionCodeServerDeviceFailure,
		ExceptionCodeAcknowledge, ExceptionCodeServerDeviceBusy,
		ExceptionCodeMemoryParityError, ExceptionCodeGatewayPathUnavailable,
		ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return code
	}
	return ExceptionCodeServerDeviceFailure
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}
