// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"sort"
)

// ReadDeviceIDCode is the read device id code of the Read Device
// Identification sub-function (0x2B/0x0E).
type ReadDeviceIDCode byte

const (
	// ReadDeviceIDCodeBasic requests the basic object stream.
	ReadDeviceIDCodeBasic ReadDeviceIDCode = 1
	// ReadDeviceIDCodeRegular requests the regular object stream.
	ReadDeviceIDCodeRegular ReadDeviceIDCode = 2
	// ReadDeviceIDCodeExtended requests the extended object stream.
	ReadDeviceIDCodeExtended ReadDeviceIDCode = 3
	// ReadDeviceIDCodeIndividual requests one specific object.
	ReadDeviceIDCodeIndividual ReadDeviceIDCode = 4
)

// Conformity levels reported by the device identification response.
const (
	ConformityLevelBasicStream    = 0x81
	ConformityLevelRegularStream  = 0x82
	ConformityLevelExtendedStream = 0x83
)

// Reserved object id range of the device identification object space.
const (
	deviceIdentReservedLo = 0x07
	deviceIdentReservedHi = 0x7F
)

// deviceIdentMaxValueLength rejects single object values that can never
// fit a response frame.
const deviceIdentMaxValueLength = 245

// deviceIdentLengthBudget seeds the running response length accounting
// against the 253 byte PDU limit, covering the MBAP and sub-function
// overhead.
const deviceIdentLengthBudget = 10

// DeviceIdentification is the decoded Read Device Identification
// response. When MoreFollows is set the server had more objects than
// fit one frame and NextObjectID is the continuation point.
type DeviceIdentification struct {
	ConformityLevel byte
	MoreFollows     bool
	NextObjectID    byte
	Objects         map[byte]string
}

// Request:
//
//	Function code         : 1 byte (0x2B)
//	MEI type              : 1 byte (0x0E)
//	Read device id code   : 1 byte
//	Object id             : 1 byte
//
// Response:
//
//	Function code         : 1 byte (0x2B)
//	MEI type              : 1 byte (0x0E)
//	Read device id code   : 1 byte
//	Conformity level      : 1 byte
//	More follows          : 1 byte (0x00 or 0xFF)
//	Next object id        : 1 byte
//	Number of objects     : 1 byte
//	Objects               : (id, length, value)*
func (mb *Client) ReadDeviceIdentification(ctx context.Context, unit byte, readCode ReadDeviceIDCode, objectID byte) (*DeviceIdentification, error) {
	response, err := mb.request(ctx, &ADU{
		Unit:         unit,
		FunctionCode: FuncCodeEncapsulatedInterface,
		Data:         []byte{MEITypeReadDeviceIdentification, byte(readCode), objectID},
	}, []PreCheck{
		matchUnitFunction(unit, FuncCodeEncapsulatedInterface),
		deviceIdentLengthCheck(readCode),
	})
	if err != nil || response == nil {
		return nil, err
	}
	return decodeDeviceIdentification(response.Data)
}

// deviceIdentLengthCheck walks the object list of a tentative response
// and asserts the cumulative length, so the frame is only accepted once
// every announced object arrived in full.
func deviceIdentLengthCheck(readCode ReadDeviceIDCode) PreCheck {
	return func(adu *ADU) Check {
		data := adu.Data
		if len(data) < 1 {
			return Pending()
		}
		if data[0] != MEITypeReadDeviceIdentification {
			return Fail()
		}
		if len(data) < 2 {
			return Pending()
		}
		if data[1] != byte(readCode) {
			return Fail()
		}
		if len(data) < 6 {
			return Pending()
		}
		count := int(data[5])
		need := 6
		for i := 0; i < count; i++ {
			if len(data) < need+2 {
				return Pending()
			}
			need += 2 + int(data[need+1])
		}
		return DataLength(need)
	}
}

func decodeDeviceIdentification(data []byte) (*DeviceIdentification, error) {
	if len(data) < 6 {
		return nil, ErrInvalidResponse
	}
	ident := &DeviceIdentification{
		ConformityLevel: data[2],
		MoreFollows:     data[3] == 0xFF,
		NextObjectID:    data[4],
		Objects:         make(map[byte]string, data[5]),
	}
	offset := 6
	for i := 0; i < int(data[5]); i++ {
		if len(data) < offset+2 {
			return nil, ErrInvalidResponse
		}
		id := data[offset]
		length := int(data[offset+1])
		if len(data) < offset+2+length {
			return nil, ErrInvalidResponse
		}
		ident.Objects[id] = string(data[offset+2 : offset+2+length])
		offset += 2 + length
	}
	return ident, nil
}

// handleReadDeviceIdentification serves the 0x2B/0x0E sub-function for
// a model. The PDU grammar (0x0E, readCode, objectId) is already
// verified by the dispatcher.
func handleReadDeviceIdentification(objects map[byte]string, readCode ReadDeviceIDCode, objectID byte) ([]byte, error) {
	// Object ids 0x00..0x02 are mandated by the specification; seed
	// them when the model did not supply them.
	set := make(map[byte]string, len(objects)+3)
	for _, id := range []byte{0x00, 0x01, 0x02} {
		set[id] = "null"
	}
	for id, value := range objects {
		set[id] = value
	}

	reserved := func(id byte) bool {
		return id >= deviceIdentReservedLo && id <= deviceIdentReservedHi
	}
	switch readCode {
	case ReadDeviceIDCodeBasic:
		if objectID > 0x02 || reserved(objectID) {
			objectID = 0
		}
	case ReadDeviceIDCodeRegular:
		if objectID >= 0x80 || reserved(objectID) {
			objectID = 0
		}
	case ReadDeviceIDCodeExtended:
		if reserved(objectID) {
			objectID = 0
		}
	case ReadDeviceIDCodeIndividual:
		if reserved(objectID) {
			return nil, ExceptionCodeIllegalDataAddress
		}
	default:
		return nil, ExceptionCodeIllegalDataValue
	}
	if _, ok := set[objectID]; !ok {
		if readCode == ReadDeviceIDCodeIndividual {
			return nil, ExceptionCodeIllegalDataAddress
		}
		objectID = 0
	}

	ids := make([]int, 0, len(set))
	conformity := byte(ConformityLevelBasicStream)
	for id := range set {
		ids = append(ids, int(id))
		switch {
		case id > 0x80:
			conformity = ConformityLevelExtendedStream
		case id >= 0x03 && conformity == ConformityLevelBasicStream:
			conformity = ConformityLevelRegularStream
		}
	}
	sort.Ints(ids)

	var (
		chosen  []byte
		lastID  byte
		running = deviceIdentLengthBudget
	)
	for _, i := range ids {
		id := byte(i)
		if id < objectID {
			continue
		}
		value := set[id]
		if len(value) > deviceIdentMaxValueLength {
			return nil, ExceptionCodeServerDeviceFailure
		}
		if len(value)+2 > maxPDULength-running {
			// The next object no longer fits; report it as the
			// continuation point.
			lastID = id
			break
		}
		chosen = append(chosen, id)
		running += 2 + len(value)
		if readCode == ReadDeviceIDCodeIndividual {
			break
		}
	}

	moreFollows := byte(0x00)
	if lastID != 0 {
		moreFollows = 0xFF
	}
	payload := []byte{
		MEITypeReadDeviceIdentification,
		byte(readCode),
		conformity,
		moreFollows,
		lastID,
		byte(len(chosen)),
	}
	for _, id := range chosen {
		value := set[id]
		payload = append(payload, id, byte(len(value)))
		payload = append(payload, value...)
	}
	return payload, nil
}
