package modbus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// burstSettle is how long ReadSome keeps draining after the first bytes of a
// response arrive. Modbus TCP responses are small and arrive in one or two
// segments; once the line goes quiet for this long the frame is taken as
// complete.
const burstSettle = 5 * time.Millisecond

// Transport is the byte-stream capability the connection worker drives. The
// worker is its only user; implementations need not be safe for concurrent
// use beyond what TCPTransport provides.
type Transport interface {
	// Connect opens the transport to the target endpoint.
	Connect(target TargetHost) error
	// Connected reports whether the transport believes it is open. A peer
	// that died silently is only discovered at the next read timeout.
	Connected() bool
	// Write sends the whole buffer or fails.
	Write(p []byte) error
	// Flush pushes buffered bytes to the wire, where the implementation
	// buffers at all.
	Flush() error
	// ReadSome blocks up to timeout for the first bytes of a response, then
	// keeps reading until the line goes quiet or buf is full. It returns the
	// number of bytes read; 0 with a nil error never occurs.
	ReadSome(buf []byte, timeout time.Duration) (int, error)
	// Drain discards any unread bytes left over from a previous exchange.
	Drain()
	// Close tears the connection down. Safe to call when not connected.
	Close() error
}

// TCPTransport implements Transport over a net.Conn with per-operation
// deadlines. No background reader, no busy polling.
type TCPTransport struct {
	mu     sync.Mutex
	conn   net.Conn
	logger *log.Logger
}

// NewTCPTransport creates an unconnected TCPTransport. If logger is non-nil
// transport activity is traced to it.
func NewTCPTransport(logger io.Writer) *TCPTransport {
	var l *log.Logger
	if logger != nil {
		l = log.New(logger, "[TCP] ", log.LstdFlags)
	}
	return &TCPTransport{logger: l}
}

// log writes a trace message if a logger is configured.
func (t *TCPTransport) log(format string, v ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, v...)
	}
}

// Connect dials the target. The target's response timeout doubles as the
// dial timeout; a peer that cannot complete a handshake in that window will
// not answer a request in it either.
func (t *TCPTransport) Connect(target TargetHost) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", target.Addr(), timeout)
	if err != nil {
		t.log("connect %s failed: %v", target.Addr(), err)
		return fmt.Errorf("connect %s: %w", target.Addr(), err)
	}
	t.log("connected to %s", target.Addr())
	t.conn = conn
	return nil
}

// Connected reports whether a connection is held.
func (t *TCPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Write sends the whole buffer under a write deadline.
func (t *TCPTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("transport is not connected")
	}
	if len(p) == 0 {
		return fmt.Errorf("no data to write")
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	defer t.conn.SetWriteDeadline(time.Time{})
	written := 0
	for written < len(p) {
		n, err := t.conn.Write(p[written:])
		if err != nil {
			return fmt.Errorf("write failed after %d bytes: %w", written, err)
		}
		written += n
	}
	return nil
}

// Flush is a no-op: net.Conn writes are not buffered in userspace and
// TCP_NODELAY is the Go default.
func (t *TCPTransport) Flush() error {
	return nil
}

// ReadSome waits up to timeout for response bytes, then drains whatever
// else arrives within burstSettle of the last byte seen.
func (t *TCPTransport) ReadSome(buf []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return 0, fmt.Errorf("transport is not connected")
	}
	defer t.conn.SetReadDeadline(time.Time{})

	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	total, err := t.conn.Read(buf)
	if total == 0 && err != nil {
		return 0, fmt.Errorf("read failed: %w", err)
	}
	// First burst is in. Bytes handed over together with EOF or a reset
	// still count as the response. Collect trailing segments until the
	// line goes quiet, the buffer fills or the connection gives out.
	for err == nil && total < len(buf) {
		_ = t.conn.SetReadDeadline(time.Now().Add(burstSettle))
		var n int
		n, err = t.conn.Read(buf[total:])
		total += n
	}
	return total, nil
}

// Drain discards stray unread bytes. Called before reusing a connection so a
// late response to an abandoned request cannot be matched to the next one.
func (t *TCPTransport) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return
	}
	var scratch [ReceiveBufferLength]byte
	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := t.conn.Read(scratch[:])
		if n > 0 {
			t.log("drained %d stray bytes", n)
		}
		if err != nil || n == 0 {
			break
		}
	}
	t.conn.SetReadDeadline(time.Time{})
}

// Close tears down the connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.log("connection closed")
	return err
}

// isTimeout reports whether err is a network timeout, as opposed to a dead
// or reset connection.
func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
