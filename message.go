package modbus

// Message is a preformatted Modbus PDU prefixed with its server (unit) id:
// server id (1 byte) + function code (1 byte) + payload. The client treats it
// as opaque bytes; only the two leading bytes are ever inspected, to validate
// the response against the outstanding request.
type Message []byte

// NewMessage assembles a Message from a server id, a function code and a raw
// payload. No function-code specific validation is performed here; callers
// are expected to hand in a well-formed PDU payload.
func NewMessage(serverID uint8, functionCode uint8, payload []byte) Message {
	m := make(Message, 2+len(payload))
	m[0] = serverID
	m[1] = functionCode
	copy(m[2:], payload)
	return m
}

// ServerID returns the unit identifier the message is addressed to,
// or 0 for an empty message.
func (m Message) ServerID() uint8 {
	if len(m) < 1 {
		return 0
	}
	return m[0]
}

// FunctionCode returns the Modbus function code with the exception bit
// masked off, or 0 for a message shorter than two bytes.
func (m Message) FunctionCode() uint8 {
	if len(m) < 2 {
		return 0
	}
	return m[1] & 0x7F
}

// IsException reports whether bit 7 of the function code is set, which a
// server uses to flag an exception response.
func (m Message) IsException() bool {
	return len(m) >= 2 && m[1]&0x80 != 0
}

// ExceptionCode returns the exception code of an exception response as a
// ModbusError, or Success for a normal response.
func (m Message) ExceptionCode() ModbusError {
	if !m.IsException() || len(m) < 3 {
		return Success
	}
	return ModbusError(m[2])
}

// Data returns the payload following server id and function code. The slice
// aliases the message; callers must not modify it.
func (m Message) Data() []byte {
	if len(m) < 2 {
		return nil
	}
	return m[2:]
}

// Size returns the byte length of the whole message.
func (m Message) Size() int {
	return len(m)
}
