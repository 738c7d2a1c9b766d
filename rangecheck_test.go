// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "testing"

func TestAddressRangeContains(t *testing.T) {
	r := AddressRange{Lo: 0x0100, Hi: 0x01FF}

	cases := []struct {
		addr, count uint16
		expected    bool
	}{
		{0x0100, 1, true},
		{0x01FF, 1, true},
		{0x0100, 256, true},
		{0x0100, 257, false},
		{0x00FF, 2, false},
		{0x0200, 1, false},
		{0x01FF, 0, true},
	}
	for _, c := range cases {
		if got := r.Contains(c.addr, c.count); got != c.expected {
			t.Errorf("Contains(%#x, %v): expected %v, actual %v", c.addr, c.count, c.expected, got)
		}
	}
}

func TestInRange(t *testing.T) {
	// No configured ranges accept everything.
	if !inRange(nil, 0xFFFF, 1) {
		t.Fatal("nil ranges must accept all addresses")
	}

	ranges := []AddressRange{{Lo: 0, Hi: 9}, {Lo: 100, Hi: 199}}
	if !inRange(ranges, 100, 100) {
		t.Fatal("second interval not honored")
	}
	// The request must fit inside a single interval.
	if inRange(ranges, 5, 100) {
		t.Fatal("request spanning intervals must be rejected")
	}
}
