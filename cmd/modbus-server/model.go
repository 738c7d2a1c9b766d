package main

import (
	"context"
	"strconv"
	"sync"

	modbus "github.com/grid-x/modbus-stack"
)

// registerBank is an in-memory data model serving one unit: a coil
// array, a discrete input view of the coils, and a shared bank for
// holding and input registers.
type registerBank struct {
	mu        sync.RWMutex
	coils     []bool
	registers []uint16
}

func newModel(cfg UnitConfig) *modbus.Model {
	bank := &registerBank{
		coils:     make([]bool, cfg.Coils),
		registers: make([]uint16, cfg.Registers),
	}

	ident := make(map[byte]string, len(cfg.Identification))
	for key, value := range cfg.Identification {
		if id, err := strconv.ParseUint(key, 0, 8); err == nil {
			ident[byte(id)] = value
		}
	}

	model := &modbus.Model{
		Unit: byte(cfg.Unit),

		ReadCoils:          bank.readCoils,
		ReadDiscreteInputs: bank.readCoils,

		ReadHoldingRegisters: bank.readRegisters,
		ReadInputRegisters:   bank.readRegisters,

		WriteSingleCoil:        bank.writeCoil,
		WriteMultipleCoils:     bank.writeCoils,
		WriteSingleRegister:    bank.writeRegister,
		WriteMultipleRegisters: bank.writeRegisters,

		ReportServerID: func(context.Context) (*modbus.ServerIDReport, error) {
			return &modbus.ServerIDReport{
				ServerID:           byte(cfg.ServerID),
				RunIndicatorStatus: true,
			}, nil
		},
	}
	if len(ident) > 0 {
		model.ReadDeviceIdentification = func(context.Context) (map[byte]string, error) {
			return ident, nil
		}
	}
	model.AddressRanges = modbus.AddressRanges{
		Coils:            toRanges(cfg.CoilRanges),
		DiscreteInputs:   toRanges(cfg.CoilRanges),
		HoldingRegisters: toRanges(cfg.RegisterRanges),
		InputRegisters:   toRanges(cfg.RegisterRanges),
	}
	return model
}

func toRanges(pairs [][2]uint16) []modbus.AddressRange {
	ranges := make([]modbus.AddressRange, 0, len(pairs))
	for _, p := range pairs {
		ranges = append(ranges, modbus.AddressRange{Lo: p[0], Hi: p[1]})
	}
	if len(ranges) == 0 {
		return nil
	}
	return ranges
}

func (b *registerBank) readCoils(_ context.Context, address, quantity uint16) ([]bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(address)+int(quantity) > len(b.coils) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	values := make([]bool, quantity)
	copy(values, b.coils[address:])
	return values, nil
}

func (b *registerBank) writeCoil(_ context.Context, address uint16, value bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(address) >= len(b.coils) {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	b.coils[address] = value
	return nil
}

func (b *registerBank) writeCoils(_ context.Context, address uint16, values []bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(address)+len(values) > len(b.coils) {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	copy(b.coils[address:], values)
	return nil
}

func (b *registerBank) readRegisters(_ context.Context, address, quantity uint16) ([]uint16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(address)+int(quantity) > len(b.registers) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	values := make([]uint16, quantity)
	copy(values, b.registers[address:])
	return values, nil
}

func (b *registerBank) writeRegister(_ context.Context, address, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(address) >= len(b.registers) {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	b.registers[address] = value
	return nil
}

func (b *registerBank) writeRegisters(_ context.Context, address uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(address)+len(values) > len(b.registers) {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	copy(b.registers[address:], values)
	return nil
}
