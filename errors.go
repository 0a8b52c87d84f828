package modbus

import "fmt"

// ModbusError is a single-byte Modbus error/status code. The 0x01..0x0B range
// carries the server-side exception codes from the Modbus spec; the 0xE0..
// range carries client-side conditions detected by this library.
type ModbusError uint8

const (
	Success            ModbusError = 0x00
	IllegalFunction    ModbusError = 0x01
	IllegalDataAddress ModbusError = 0x02
	IllegalDataValue   ModbusError = 0x03
	ServerDeviceFail   ModbusError = 0x04
	Acknowledge        ModbusError = 0x05
	ServerDeviceBusy   ModbusError = 0x06
	MemoryParityError  ModbusError = 0x08
	GatewayPathUnavail ModbusError = 0x0A
	GatewayTargetFail  ModbusError = 0x0B

	Timeout            ModbusError = 0xE0
	InvalidServer      ModbusError = 0xE1
	FCMismatch         ModbusError = 0xE3
	ServerIDMismatch   ModbusError = 0xE4
	PacketLengthError  ModbusError = 0xE5
	RequestQueueFull   ModbusError = 0xE8
	IPConnectionFailed ModbusError = 0xEA
	TCPHeadMismatch    ModbusError = 0xEB
	EmptyMessage       ModbusError = 0xEC
)

// errorText maps ModbusError codes to human-readable messages.
var errorText = map[ModbusError]string{
	Success:            "success",
	IllegalFunction:    "illegal function",
	IllegalDataAddress: "illegal data address",
	IllegalDataValue:   "illegal data value",
	ServerDeviceFail:   "server device failure",
	Acknowledge:        "acknowledge",
	ServerDeviceBusy:   "server device busy",
	MemoryParityError:  "memory parity error",
	GatewayPathUnavail: "gateway path unavailable",
	GatewayTargetFail:  "gateway target device failed to respond",
	Timeout:            "response timed out",
	InvalidServer:      "invalid server id",
	FCMismatch:         "function code mismatch between request and response",
	ServerIDMismatch:   "server id mismatch between request and response",
	PacketLengthError:  "packet length does not match header",
	RequestQueueFull:   "request queue is full",
	IPConnectionFailed: "TCP connection to target failed",
	TCPHeadMismatch:    "MBAP header mismatch between request and response",
	EmptyMessage:       "message is empty",
}

// Error implements the error interface.
func (e ModbusError) Error() string {
	if text, ok := errorText[e]; ok {
		return fmt.Sprintf("modbus: %s (0x%02X)", text, uint8(e))
	}
	return fmt.Sprintf("modbus: unknown error code 0x%02X", uint8(e))
}

// IsRetryable reports whether the worker may retry the request after this
// error. Mismatch errors are never retried: a wrong peer or a protocol
// desync will not self-correct by resending.
func (e ModbusError) IsRetryable() bool {
	return e == Timeout || e == IPConnectionFailed
}
