// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// FrameHandler consumes complete, checksum-valid frames decoded while no
// response wait is active. reply writes back to the originating peer.
type FrameHandler func(adu *ADU, reply ReplyFunc)

// Framer is the application layer shared by the RTU, ASCII and MBAP
// variants. It reconstructs ADUs from transport bursts and encodes
// outbound ADUs.
type Framer interface {
	// Encode renders the ADU for the wire. MBAP framers assign a
	// transaction identifier when the ADU does not carry one.
	Encode(adu *ADU) ([]byte, error)

	// StartWait enters response-wait mode: decoded frames are judged by
	// the pre-checks and delivered to resolve instead of the frame
	// handler. Only one wait may be active; a second StartWait returns
	// ErrWaitActive.
	StartWait(checks []PreCheck, resolve func(adu *ADU, err error)) error
	// StopWait leaves response-wait mode without invoking the pending
	// resolve callback.
	StopWait()

	// SetFrameHandler registers the single consumer for frames decoded
	// outside response-wait mode.
	SetFrameHandler(h FrameHandler)

	// Destroy detaches the framer from its transport and releases any
	// timers.
	Destroy()
}

// responseWait is the single pending-callback slot of a framer.
type responseWait struct {
	checks  []PreCheck
	resolve func(adu *ADU, err error)
}
