// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"bytes"
	"testing"
)

func testEntry(txn uint16, serverID, fc uint8, payload []byte) *RequestEntry {
	return &RequestEntry{
		TransactionID: txn,
		Msg:           NewMessage(serverID, fc, payload),
		RetriesLeft:   RequestRetries,
	}
}

func TestTCPPackager_Pack(t *testing.T) {
	p := NewTCPPackager()
	request := testEntry(0x1234, 0x01, 0x03, []byte{0x00, 0x00, 0x00, 0x01})

	frame, err := p.Pack(request)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	want := []byte{
		0x12, 0x34, // transaction id
		0x00, 0x00, // protocol id
		0x00, 0x06, // length
		0x01, 0x03, 0x00, 0x00, 0x00, 0x01, // unit id + PDU
	}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame mismatch: got % 02X, want % 02X", frame, want)
	}
}

func TestTCPPackager_Pack_Invalid(t *testing.T) {
	p := NewTCPPackager()
	if _, err := p.Pack(&RequestEntry{}); err == nil {
		t.Error("Pack should fail for empty message")
	}
	oversize := &RequestEntry{Msg: make(Message, MaxTCPFrameLength-TCPHeadLength+1)}
	if _, err := p.Pack(oversize); err == nil {
		t.Error("Pack should fail for message exceeding max frame length")
	}
}

func TestTCPPackager_Unpack_Valid(t *testing.T) {
	p := NewTCPPackager()
	request := testEntry(7, 1, 3, []byte{0x00, 0x00, 0x00, 0x01})

	raw := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x0A}
	response, code := p.Unpack(raw, request)
	if code != Success {
		t.Fatalf("Unpack failed: %v", code)
	}
	want := []byte{0x01, 0x03, 0x02, 0x00, 0x0A}
	if !bytes.Equal(response, want) {
		t.Errorf("response mismatch: got % 02X, want % 02X", []byte(response), want)
	}
	if response.ServerID() != 1 || response.FunctionCode() != 3 {
		t.Errorf("response accessors wrong: server=%d fc=%d",
			response.ServerID(), response.FunctionCode())
	}
}

func TestTCPPackager_Unpack_Mismatches(t *testing.T) {
	p := NewTCPPackager()
	request := testEntry(7, 1, 3, []byte{0x00, 0x00, 0x00, 0x01})

	tests := []struct {
		name string
		raw  []byte
		want ModbusError
	}{
		{
			name: "wrong transaction id",
			raw:  []byte{0x00, 0x08, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x0A},
			want: TCPHeadMismatch,
		},
		{
			name: "wrong protocol id",
			raw:  []byte{0x00, 0x07, 0x00, 0x01, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x0A},
			want: TCPHeadMismatch,
		},
		{
			name: "length field disagrees with byte count",
			raw:  []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x09, 0x01, 0x03, 0x02, 0x00, 0x0A},
			want: TCPHeadMismatch,
		},
		{
			name: "wrong server id",
			raw:  []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x02, 0x03, 0x02, 0x00, 0x0A},
			want: ServerIDMismatch,
		},
		{
			name: "wrong function code",
			raw:  []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x01, 0x04, 0x02, 0x00, 0x0A},
			want: FCMismatch,
		},
		{
			name: "truncated frame",
			raw:  []byte{0x00, 0x07, 0x00},
			want: TCPHeadMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, code := p.Unpack(tt.raw, request); code != tt.want {
				t.Errorf("got %v, want %v", code, tt.want)
			}
		})
	}
}

func TestTCPPackager_Unpack_ExceptionResponse(t *testing.T) {
	p := NewTCPPackager()
	request := testEntry(9, 1, 3, []byte{0x00, 0x00, 0x00, 0x01})

	// Exception responses set bit 7 of the function code; the masked compare
	// must still accept them so the caller can see the exception code.
	raw := []byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02}
	response, code := p.Unpack(raw, request)
	if code != Success {
		t.Fatalf("Unpack rejected exception response: %v", code)
	}
	if !response.IsException() {
		t.Error("IsException should be true")
	}
	if response.ExceptionCode() != IllegalDataAddress {
		t.Errorf("exception code: got %v, want %v", response.ExceptionCode(), IllegalDataAddress)
	}
}

func TestTCPHead_Equality(t *testing.T) {
	a := NewTCPHead(7, 5)
	b := NewTCPHead(7, 5)
	c := NewTCPHead(8, 5)
	if a != b {
		t.Error("identical heads should compare equal")
	}
	if a == c {
		t.Error("different transaction ids should not compare equal")
	}
	if a.TransactionID() != 7 || a.Length() != 5 {
		t.Errorf("field accessors wrong: txn=%d len=%d", a.TransactionID(), a.Length())
	}
}
