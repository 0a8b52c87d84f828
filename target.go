package modbus

import (
	"net"
	"strconv"
	"time"
)

// Client-wide defaults, applied when SetTarget is called with zero values.
const (
	DefaultTimeout  = 2000 * time.Millisecond
	DefaultInterval = 10 * time.Millisecond
)

// TargetHost describes one Modbus TCP endpoint together with the per-request
// timing to be used against it. It is a value type; every queued request
// carries its own copy, so in-flight requests are unaffected by later
// SetTarget calls.
type TargetHost struct {
	Host     string
	Port     uint16
	Timeout  time.Duration // response timeout per request
	Interval time.Duration // minimum gap between successive requests
}

// SameEndpoint reports whether t and other address the same host and port.
// Timeout and interval do not participate: changing only the timing of a
// target must not force a reconnect.
func (t TargetHost) SameEndpoint(other TargetHost) bool {
	return t.Host == other.Host && t.Port == other.Port
}

// Addr returns the host:port string for net.Dial.
func (t TargetHost) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}
