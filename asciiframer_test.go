// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"context"
	"testing"
)

func TestASCIIEncode(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	raw, err := framer.Encode(&ADU{
		Unit:         11,
		FunctionCode: 1,
		Data:         []byte{0x00, 0x13, 0x00, 0x13},
	})
	if err != nil {
		t.Fatal(err)
	}
	expected := ":0B0100130013CE\r\n"
	if string(raw) != expected {
		t.Fatalf("expected %q, actual %q", expected, raw)
	}
}

func TestASCIIScannerEmit(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	var frames []*ADU
	framer.SetFrameHandler(func(adu *ADU, reply ReplyFunc) {
		frames = append(frames, adu)
	})

	// Leading noise before the start character is ignored; the frame
	// may arrive split across bursts.
	transport.inject([]byte("garbage:0B010013"))
	transport.inject([]byte("0013CE\r"))
	if len(frames) != 0 {
		t.Fatal("frame emitted before LF")
	}
	transport.inject([]byte("\n"))
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %v", len(frames))
	}
	adu := frames[0]
	if adu.Unit != 11 || adu.FunctionCode != 1 {
		t.Fatalf("unexpected frame: %+v", adu)
	}
	if !bytes.Equal([]byte{0x00, 0x13, 0x00, 0x13}, adu.Data) {
		t.Fatalf("unexpected data: % x", adu.Data)
	}
}

// A ':' anywhere restarts reception.
func TestASCIIScannerRestart(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	var frames []*ADU
	framer.SetFrameHandler(func(adu *ADU, reply ReplyFunc) {
		frames = append(frames, adu)
	})

	transport.inject([]byte(":DEADBEEF:0B0100130013CE\r\n"))
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %v", len(frames))
	}
	if frames[0].Unit != 11 {
		t.Fatalf("unexpected unit %v", frames[0].Unit)
	}
}

// Anything but LF after CR drops the frame and returns to idle.
func TestASCIIScannerBadEnd(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	var frames []*ADU
	framer.SetFrameHandler(func(adu *ADU, reply ReplyFunc) {
		frames = append(frames, adu)
	})

	transport.inject([]byte(":0B0100130013CE\rX"))
	transport.inject([]byte("\n"))
	if len(frames) != 0 {
		t.Fatalf("expected no frame, got %v", len(frames))
	}
}

func TestASCIIDropsBadLRC(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	var frames []*ADU
	framer.SetFrameHandler(func(adu *ADU, reply ReplyFunc) {
		frames = append(frames, adu)
	})

	transport.inject([]byte(":0B0100130013FF\r\n"))
	if len(frames) != 0 {
		t.Fatalf("expected no frame, got %v", len(frames))
	}
}

func TestASCIIWaitResolve(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	var got *ADU
	var gotErr error
	err := framer.StartWait([]PreCheck{
		matchUnitFunction(11, 1),
		dataLength(4),
		byteCountAt(0, 3),
	}, func(adu *ADU, err error) {
		got, gotErr = adu, err
	})
	if err != nil {
		t.Fatal(err)
	}

	transport.inject([]byte(":0B0103CD6B05B4\r\n"))
	if gotErr != nil {
		t.Fatal(gotErr)
	}
	if !bytes.Equal([]byte{0x03, 0xCD, 0x6B, 0x05}, got.Data) {
		t.Fatalf("unexpected data: % x", got.Data)
	}
}

// For ASCII a failed length expectation is terminal: the framing is
// self-delimiting, a short frame can never complete later.
func TestASCIIWaitShortIsTerminal(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	var gotErr error
	err := framer.StartWait([]PreCheck{
		matchUnitFunction(11, 1),
		dataLength(10),
	}, func(adu *ADU, err error) {
		gotErr = err
	})
	if err != nil {
		t.Fatal(err)
	}

	transport.inject([]byte(":0B0103CD6B05B4\r\n"))
	if gotErr != ErrInsufficientData {
		t.Fatalf("expected ErrInsufficientData, got %v", gotErr)
	}
}

func TestASCIICloseResetsScanner(t *testing.T) {
	transport := newFakeTransport()
	framer := NewASCIIFramer(transport)
	defer framer.Destroy()

	var frames []*ADU
	framer.SetFrameHandler(func(adu *ADU, reply ReplyFunc) {
		frames = append(frames, adu)
	})

	transport.inject([]byte(":0B0100"))
	transport.Close()
	if err := transport.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The fragment from before the close must be gone.
	transport.inject([]byte("130013CE\r\n"))
	if len(frames) != 0 {
		t.Fatalf("expected no frame, got %v", len(frames))
	}
}
