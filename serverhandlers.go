// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"sync"
)

// Every handler follows the same contract: verify the PDU grammar
// (malformed requests are dropped without a response), verify the
// operation is implemented by the model, verify the count and value
// bounds, verify the address range, then invoke the model callback and
// encode the normal response.

func handleReadBits(ctx context.Context, data []byte, read func(context.Context, uint16, uint16) ([]bool, error), ranges []AddressRange) ([]byte, error) {
	if len(data) != 4 {
		return nil, errDropFrame
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if read == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	if quantity < 1 || quantity > 2000 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if !inRange(ranges, address, quantity) {
		return nil, ExceptionCodeIllegalDataAddress
	}
	values, err := read(ctx, address, quantity)
	if err != nil {
		return nil, err
	}
	values = clampBits(values, quantity)
	packed := packBits(values)
	return append([]byte{byte(len(packed))}, packed...), nil
}

func handleReadWords(ctx context.Context, data []byte, read func(context.Context, uint16, uint16) ([]uint16, error), ranges []AddressRange) ([]byte, error) {
	if len(data) != 4 {
		return nil, errDropFrame
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if read == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	if quantity < 1 || quantity > 125 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if !inRange(ranges, address, quantity) {
		return nil, ExceptionCodeIllegalDataAddress
	}
	values, err := read(ctx, address, quantity)
	if err != nil {
		return nil, err
	}
	values = clampWords(values, quantity)
	words := wordsToBytes(values)
	return append([]byte{byte(len(words))}, words...), nil
}

func handleWriteSingleCoil(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) != 4 {
		return nil, errDropFrame
	}
	address := binary.BigEndian.Uint16(data)
	value := binary.BigEndian.Uint16(data[2:])
	if m.WriteSingleCoil == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	if value != 0x0000 && value != 0xFF00 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if !inRange(m.AddressRanges.Coils, address, 1) {
		return nil, ExceptionCodeIllegalDataAddress
	}
	if err := m.WriteSingleCoil(ctx, address, value == 0xFF00); err != nil {
		return nil, err
	}
	return data, nil
}

func handleWriteSingleRegister(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) != 4 {
		return nil, errDropFrame
	}
	address := binary.BigEndian.Uint16(data)
	value := binary.BigEndian.Uint16(data[2:])
	if m.WriteSingleRegister == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	if !inRange(m.AddressRanges.HoldingRegisters, address, 1) {
		return nil, ExceptionCodeIllegalDataAddress
	}
	if err := m.WriteSingleRegister(ctx, address, value); err != nil {
		return nil, err
	}
	return data, nil
}

func handleWriteMultipleCoils(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) < 5 || len(data) != 5+int(data[4]) {
		return nil, errDropFrame
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	byteCount := data[4]
	if m.WriteMultipleCoils == nil && m.WriteSingleCoil == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	if quantity < 1 || quantity > 1968 || int(byteCount) != (int(quantity)+7)/8 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if !inRange(m.AddressRanges.Coils, address, quantity) {
		return nil, ExceptionCodeIllegalDataAddress
	}
	values := unpackBits(data[5:], int(quantity))
	var err error
	if m.WriteMultipleCoils != nil {
		err = m.WriteMultipleCoils(ctx, address, values)
	} else {
		err = eachElement(len(values), func(i int) error {
			return m.WriteSingleCoil(ctx, address+uint16(i), values[i])
		})
	}
	if err != nil {
		return nil, err
	}
	return data[:4], nil
}

func handleWriteMultipleRegisters(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) < 5 || len(data) != 5+int(data[4]) {
		return nil, errDropFrame
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	byteCount := data[4]
	if m.WriteMultipleRegisters == nil && m.WriteSingleRegister == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	if quantity < 1 || quantity > 123 || int(byteCount) != 2*int(quantity) {
		return nil, ExceptionCodeIllegalDataValue
	}
	if !inRange(m.AddressRanges.HoldingRegisters, address, quantity) {
		return nil, ExceptionCodeIllegalDataAddress
	}
	values := bytesToWords(data[5:])
	var err error
	if m.WriteMultipleRegisters != nil {
		err = m.WriteMultipleRegisters(ctx, address, values)
	} else {
		err = eachElement(len(values), func(i int) error {
			return m.WriteSingleRegister(ctx, address+uint16(i), values[i])
		})
	}
	if err != nil {
		return nil, err
	}
	return data[:4], nil
}

func handleReportServerID(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) != 0 {
		return nil, errDropFrame
	}
	if m.ReportServerID == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	report, err := m.ReportServerID(ctx)
	if err != nil {
		return nil, err
	}
	run := byte(0x00)
	if report.RunIndicatorStatus {
		run = 0xFF
	}
	payload := []byte{byte(2 + len(report.AdditionalData)), report.ServerID, run}
	return append(payload, report.AdditionalData...), nil
}

func handleMaskWriteRegister(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) != 6 {
		return nil, errDropFrame
	}
	address := binary.BigEndian.Uint16(data)
	andMask := binary.BigEndian.Uint16(data[2:])
	orMask := binary.BigEndian.Uint16(data[4:])

	direct := m.MaskWriteRegister != nil
	fallback := m.ReadHoldingRegisters != nil && m.WriteSingleRegister != nil
	if !direct && !fallback {
		return nil, ExceptionCodeIllegalFunction
	}
	if !inRange(m.AddressRanges.HoldingRegisters, address, 1) {
		return nil, ExceptionCodeIllegalDataAddress
	}
	if direct {
		if err := m.MaskWriteRegister(ctx, address, andMask, orMask); err != nil {
			return nil, err
		}
		return data, nil
	}
	values, err := m.ReadHoldingRegisters(ctx, address, 1)
	if err != nil {
		return nil, err
	}
	if len(values) < 1 {
		return nil, ExceptionCodeServerDeviceFailure
	}
	// Result = (Current AND And_Mask) OR (Or_Mask AND NOT And_Mask),
	// the NOT taken over the full 16 bits.
	result := values[0]&andMask | orMask&^andMask
	if err := m.WriteSingleRegister(ctx, address, result); err != nil {
		return nil, err
	}
	return data, nil
}

func handleReadWriteMultipleRegisters(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) < 9 || len(data) != 9+int(data[8]) {
		return nil, errDropFrame
	}
	readAddress := binary.BigEndian.Uint16(data)
	readQuantity := binary.BigEndian.Uint16(data[2:])
	writeAddress := binary.BigEndian.Uint16(data[4:])
	writeQuantity := binary.BigEndian.Uint16(data[6:])
	byteCount := data[8]

	canWrite := m.WriteMultipleRegisters != nil || m.WriteSingleRegister != nil
	if m.ReadHoldingRegisters == nil || !canWrite {
		return nil, ExceptionCodeIllegalFunction
	}
	if readQuantity < 1 || readQuantity > 125 ||
		writeQuantity < 1 || writeQuantity > 121 ||
		int(byteCount) != 2*int(writeQuantity) {
		return nil, ExceptionCodeIllegalDataValue
	}
	if !inRange(m.AddressRanges.HoldingRegisters, readAddress, readQuantity) ||
		!inRange(m.AddressRanges.HoldingRegisters, writeAddress, writeQuantity) {
		return nil, ExceptionCodeIllegalDataAddress
	}

	// The write is performed before the read, so the response carries
	// the post-write register contents.
	values := bytesToWords(data[9:])
	var err error
	if m.WriteMultipleRegisters != nil {
		err = m.WriteMultipleRegisters(ctx, writeAddress, values)
	} else {
		err = eachElement(len(values), func(i int) error {
			return m.WriteSingleRegister(ctx, writeAddress+uint16(i), values[i])
		})
	}
	if err != nil {
		return nil, err
	}
	read, err := m.ReadHoldingRegisters(ctx, readAddress, readQuantity)
	if err != nil {
		return nil, err
	}
	read = clampWords(read, readQuantity)
	words := wordsToBytes(read)
	return append([]byte{byte(len(words))}, words...), nil
}

func handleEncapsulatedInterface(ctx context.Context, data []byte, m *Model) ([]byte, error) {
	if len(data) != 3 || data[0] != MEITypeReadDeviceIdentification {
		return nil, errDropFrame
	}
	if m.ReadDeviceIdentification == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	objects, err := m.ReadDeviceIdentification(ctx)
	if err != nil {
		return nil, err
	}
	return handleReadDeviceIdentification(objects, ReadDeviceIDCode(data[1]), data[2])
}

// clampBits sizes a callback result to the requested quantity, padding
// short results with false.
func clampBits(values []bool, quantity uint16) []bool {
	if len(values) > int(quantity) {
		return values[:quantity]
	}
	for len(values) < int(quantity) {
		values = append(values, false)
	}
	return values
}

// clampWords sizes a callback result to the requested quantity, padding
// short results with zero registers.
func clampWords(values []uint16, quantity uint16) []uint16 {
	if len(values) > int(quantity) {
		return values[:quantity]
	}
	for len(values) < int(quantity) {
		values = append(values, 0)
	}
	return values
}

// eachElement emulates a multi-element write through the single-element
// callback. The element writes run concurrently; the first error fails
// the aggregate.
func eachElement(n int, write func(i int) error) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := write(i); err != nil {
				mu.Lock()
				if first == nil {
					first = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return first
}
