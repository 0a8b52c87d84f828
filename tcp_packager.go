package modbus

import (
	"encoding/binary"
	"fmt"
)

// Modbus TCP Protocol Constants
const (
	TCPHeadLength         = 6         // MBAP header length in bytes
	MaxPDULength          = 253       // Maximum PDU length according to Modbus spec
	MaxTCPFrameLength     = 260       // MBAP header + unit id + PDU
	ReceiveBufferLength   = 300       // Local receive buffer, frames fit with room to spare
	ProtocolIdentifierTCP = uint16(0) // Protocol identifier is always 0 for Modbus TCP
)

// TCPHead is the 6-byte MBAP prefix: transaction id, protocol id and the byte
// count of the unit-id+PDU that follows, all big-endian. It is a fixed-size
// value type so heads compare with ==.
type TCPHead [TCPHeadLength]byte

// NewTCPHead builds a head for the given transaction id and following length.
func NewTCPHead(transactionID uint16, length uint16) TCPHead {
	var h TCPHead
	binary.BigEndian.PutUint16(h[0:2], transactionID)
	binary.BigEndian.PutUint16(h[2:4], ProtocolIdentifierTCP)
	binary.BigEndian.PutUint16(h[4:6], length)
	return h
}

// TransactionID returns the transaction identifier field.
func (h TCPHead) TransactionID() uint16 {
	return binary.BigEndian.Uint16(h[0:2])
}

// Length returns the length field.
func (h TCPHead) Length() uint16 {
	return binary.BigEndian.Uint16(h[4:6])
}

// TCPPackager frames Modbus messages for TCP transport and validates
// responses against the request they answer. It is stateless; both
// directions are pure functions over byte slices.
type TCPPackager struct{}

// NewTCPPackager creates a new TCPPackager.
func NewTCPPackager() *TCPPackager {
	return &TCPPackager{}
}

// Pack prepends the MBAP head to the request message and returns one
// contiguous buffer. The caller writes it in a single transport call: head
// and body sent as separate writes have been observed to be delayed by the
// peer on the very first exchange.
func (p *TCPPackager) Pack(request *RequestEntry) ([]byte, error) {
	if request.Msg.Size() == 0 {
		return nil, fmt.Errorf("message cannot be empty")
	}
	if request.Msg.Size() > MaxTCPFrameLength-TCPHeadLength {
		return nil, fmt.Errorf("message length %d exceeds maximum %d bytes",
			request.Msg.Size(), MaxTCPFrameLength-TCPHeadLength)
	}
	head := NewTCPHead(request.TransactionID, uint16(request.Msg.Size()))
	frame := make([]byte, TCPHeadLength+request.Msg.Size())
	copy(frame[:TCPHeadLength], head[:])
	copy(frame[TCPHeadLength:], request.Msg)
	return frame, nil
}

// Unpack validates a received frame against the outstanding request and
// returns the response message (unit id + function code + payload). The
// checks run in protocol order:
//   - the first 6 bytes must equal the head we would have sent for this
//     transaction with the received length, otherwise TCPHeadMismatch;
//   - byte 6 must carry the request's server id, otherwise ServerIDMismatch;
//   - byte 7, exception bit masked off, must carry the request's function
//     code, otherwise FCMismatch.
func (p *TCPPackager) Unpack(raw []byte, request *RequestEntry) (Message, ModbusError) {
	if len(raw) < TCPHeadLength+2 {
		return nil, TCPHeadMismatch
	}
	expected := NewTCPHead(request.TransactionID, uint16(len(raw)-TCPHeadLength))
	var got TCPHead
	copy(got[:], raw[:TCPHeadLength])
	if got != expected {
		return nil, TCPHeadMismatch
	}
	if raw[6] != request.Msg.ServerID() {
		return nil, ServerIDMismatch
	}
	if raw[7]&0x7F != request.Msg.FunctionCode() {
		return nil, FCMismatch
	}
	response := make(Message, len(raw)-TCPHeadLength)
	copy(response, raw[TCPHeadLength:])
	return response, Success
}
