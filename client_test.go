// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newRTUTestClient(respond func(p []byte) [][]byte) (*Client, *fakeTransport) {
	transport := newFakeTransport()
	transport.respond = respond
	framer := NewRTUFramer(transport)
	client := NewClient(framer, transport)
	client.Timeout = 250 * time.Millisecond
	return client, transport
}

func TestClientReadHoldingRegistersRTU(t *testing.T) {
	request := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}
	response := []byte{0x11, 0x03, 0x06, 0xAE, 0x41, 0x56, 0x52, 0x43, 0x40, 0x49, 0xAD}

	client, transport := newRTUTestClient(func(p []byte) [][]byte {
		if !bytes.Equal(request, p) {
			t.Fatalf("unexpected request: % x", p)
		}
		return [][]byte{response}
	})

	values, err := client.ReadHoldingRegisters(context.Background(), 17, 0x006B, 3)
	if err != nil {
		t.Fatal(err)
	}
	expected := []uint16{0xAE41, 0x5652, 0x4340}
	if !cmp.Equal(expected, values) {
		t.Errorf("unexpected registers: %s", cmp.Diff(expected, values))
	}
	if len(transport.sentWrites()) != 1 {
		t.Fatalf("expected one write")
	}
}

// The response may arrive split into bursts; the request must still
// resolve from the completed frame.
func TestClientRecoversSplitResponseRTU(t *testing.T) {
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		return [][]byte{
			{0x11, 0x03, 0x06},
			{0xAE, 0x41, 0x56, 0x52, 0x43, 0x40, 0x49, 0xAD},
		}
	})

	values, err := client.ReadHoldingRegisters(context.Background(), 17, 0x006B, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 || values[0] != 0xAE41 {
		t.Fatalf("unexpected registers: %v", values)
	}
}

func TestClientReadCoilsASCII(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(p []byte) [][]byte {
		if string(p) != ":0B0100130013CE\r\n" {
			t.Fatalf("unexpected request: %q", p)
		}
		return [][]byte{[]byte(":0B0103CD6B05B4\r\n")}
	}
	client := NewClient(NewASCIIFramer(transport), transport)
	client.Timeout = 250 * time.Millisecond

	values, err := client.ReadCoils(context.Background(), 11, 0x0013, 19)
	if err != nil {
		t.Fatal(err)
	}
	expected := []bool{
		true, false, true, true, false, false, true, true,
		true, true, false, true, false, true, true, false,
		true, false, true,
	}
	if !cmp.Equal(expected, values) {
		t.Errorf("unexpected coils: %s", cmp.Diff(expected, values))
	}
}

// A broadcast completes as soon as the write flushed; no response wait
// is started.
func TestClientBroadcastMBAP(t *testing.T) {
	transport := newFakeTransport()
	framer := NewTCPFramer(transport)
	client := NewClient(framer, transport)

	quantity, err := client.WriteMultipleRegisters(context.Background(), 0, 0x0001, []uint16{0x000A, 0x0102})
	if err != nil {
		t.Fatal(err)
	}
	if quantity != 2 {
		t.Fatalf("unexpected quantity %v", quantity)
	}
	writes := transport.sentWrites()
	if len(writes) != 1 {
		t.Fatalf("expected one write, got %v", len(writes))
	}
	expected := []byte{0x00, 0x00, 0x00, 0x0B, 0x00, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	if !bytes.Equal(expected, writes[0][2:]) {
		t.Fatalf("expected % x, actual % x", expected, writes[0][2:])
	}
	framer.mu.Lock()
	waiting := framer.wait != nil
	framer.mu.Unlock()
	if waiting {
		t.Fatal("broadcast started a response wait")
	}
}

func TestClientTimeout(t *testing.T) {
	client, _ := newRTUTestClient(nil)
	client.Timeout = 20 * time.Millisecond

	_, err := client.ReadHoldingRegisters(context.Background(), 17, 0x006B, 3)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	// The response wait slot must be free again.
	values, err := client.ReadHoldingRegisters(context.Background(), 17, 0x006B, 3)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout on retry, got %v", err)
	}
	_ = values
}

func TestClientRejectsExceptionResponse(t *testing.T) {
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		// ILLEGAL_DATA_ADDRESS exception for function 3.
		raw, _ := NewRTUFramer(newFakeTransport()).Encode(&ADU{
			Unit:         17,
			FunctionCode: 0x83,
			Data:         []byte{0x02},
		})
		return [][]byte{raw}
	})

	_, err := client.ReadHoldingRegisters(context.Background(), 17, 0, 1)
	if err != ErrInvalidResponse {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestClientWriteSingleCoil(t *testing.T) {
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		return [][]byte{append([]byte(nil), p...)} // echo
	})

	value, err := client.WriteSingleCoil(context.Background(), 17, 0x00AC, true)
	if err != nil {
		t.Fatal(err)
	}
	if !value {
		t.Fatal("expected true")
	}
}

func TestClientWriteSingleRegister(t *testing.T) {
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		return [][]byte{append([]byte(nil), p...)}
	})

	value, err := client.WriteSingleRegister(context.Background(), 17, 0x0001, 0x0003)
	if err != nil {
		t.Fatal(err)
	}
	if value != 0x0003 {
		t.Fatalf("unexpected value %v", value)
	}
}

func TestClientWriteMultipleCoils(t *testing.T) {
	client, transport := newRTUTestClient(func(p []byte) [][]byte {
		// Echo address and quantity.
		framer := NewRTUFramer(newFakeTransport())
		raw, _ := framer.Encode(&ADU{
			Unit:         17,
			FunctionCode: FuncCodeWriteMultipleCoils,
			Data:         p[2:6],
		})
		return [][]byte{raw}
	})

	quantity, err := client.WriteMultipleCoils(context.Background(), 17, 0x0013, []bool{true, false, true})
	if err != nil {
		t.Fatal(err)
	}
	if quantity != 3 {
		t.Fatalf("unexpected quantity %v", quantity)
	}
	// Request carries byte count 1 and the packed bits 0b101.
	request := transport.sentWrites()[0]
	if request[6] != 1 || request[7] != 0x05 {
		t.Fatalf("unexpected request: % x", request)
	}
}

func TestClientMaskWriteRegister(t *testing.T) {
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		return [][]byte{append([]byte(nil), p...)}
	})

	andMask, orMask, err := client.MaskWriteRegister(context.Background(), 17, 0x0004, 0x00F2, 0x0025)
	if err != nil {
		t.Fatal(err)
	}
	if andMask != 0x00F2 || orMask != 0x0025 {
		t.Fatalf("unexpected masks %v %v", andMask, orMask)
	}
}

func TestClientReadWriteMultipleRegisters(t *testing.T) {
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		framer := NewRTUFramer(newFakeTransport())
		raw, _ := framer.Encode(&ADU{
			Unit:         17,
			FunctionCode: FuncCodeReadWriteMultipleRegisters,
			Data:         []byte{4, 0x00, 0xFE, 0x0A, 0xCD},
		})
		return [][]byte{raw}
	})

	values, err := client.ReadWriteMultipleRegisters(context.Background(), 17, 0x0003, 2, 0x000E, []uint16{0x00FF})
	if err != nil {
		t.Fatal(err)
	}
	expected := []uint16{0x00FE, 0x0ACD}
	if !cmp.Equal(expected, values) {
		t.Errorf("unexpected registers: %s", cmp.Diff(expected, values))
	}
}

func TestClientReportServerID(t *testing.T) {
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		framer := NewRTUFramer(newFakeTransport())
		raw, _ := framer.Encode(&ADU{
			Unit:         17,
			FunctionCode: FuncCodeReportServerID,
			Data:         []byte{4, 0x2A, 0xFF, 'o', 'k'},
		})
		return [][]byte{raw}
	})

	report, err := client.ReportServerID(context.Background(), 17)
	if err != nil {
		t.Fatal(err)
	}
	if report.ServerID != 0x2A || !report.RunIndicatorStatus {
		t.Fatalf("unexpected report: %+v", report)
	}
	if string(report.AdditionalData) != "ok" {
		t.Fatalf("unexpected additional data: %q", report.AdditionalData)
	}
}

func TestClientReadDeviceIdentification(t *testing.T) {
	payload, err := handleReadDeviceIdentification(map[byte]string{
		0x00: "vendor",
		0x01: "product",
		0x02: "v1.2.3",
	}, ReadDeviceIDCodeBasic, 0)
	if err != nil {
		t.Fatal(err)
	}
	client, _ := newRTUTestClient(func(p []byte) [][]byte {
		framer := NewRTUFramer(newFakeTransport())
		raw, _ := framer.Encode(&ADU{
			Unit:         17,
			FunctionCode: FuncCodeEncapsulatedInterface,
			Data:         payload,
		})
		return [][]byte{raw}
	})

	ident, err := client.ReadDeviceIdentification(context.Background(), 17, ReadDeviceIDCodeBasic, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ident.ConformityLevel != ConformityLevelBasicStream {
		t.Fatalf("unexpected conformity %#x", ident.ConformityLevel)
	}
	if ident.MoreFollows {
		t.Fatal("unexpected continuation")
	}
	expected := map[byte]string{0x00: "vendor", 0x01: "product", 0x02: "v1.2.3"}
	if !cmp.Equal(expected, ident.Objects) {
		t.Errorf("unexpected objects: %s", cmp.Diff(expected, ident.Objects))
	}
}

func TestClientQuantityBounds(t *testing.T) {
	client, transport := newRTUTestClient(nil)

	if _, err := client.ReadCoils(context.Background(), 17, 0, 2001); err == nil {
		t.Fatal("expected a quantity error")
	}
	if _, err := client.ReadHoldingRegisters(context.Background(), 17, 0, 126); err == nil {
		t.Fatal("expected a quantity error")
	}
	if _, err := client.WriteMultipleRegisters(context.Background(), 17, 0, nil); err == nil {
		t.Fatal("expected a quantity error")
	}
	if len(transport.sentWrites()) != 0 {
		t.Fatal("rejected requests must not hit the wire")
	}
}
