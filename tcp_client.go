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
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueLimit is the queue capacity used when no WithQueueLimit option
// is given.
const DefaultQueueLimit = 100

// idlePoll is how long the worker sleeps when the queue is empty before
// checking again.
const idlePoll = time.Millisecond

// reconnectDelay is the pause after a failed connect attempt before the
// entry is retried.
const reconnectDelay = 10 * time.Millisecond

// DataHandler receives the response message and the caller's correlation
// token of a completed request.
type DataHandler func(response Message, token uint32)

// ErrorHandler receives the error code and the caller's correlation token of
// a request that terminated without a valid response.
type ErrorHandler func(err ModbusError, token uint32)

// AsyncTCPClient is an asynchronous Modbus TCP client. Callers enqueue
// preformatted request messages with AddRequest; a single worker goroutine
// drains the queue, keeps one TCP connection to the current target and
// reports outcomes through the registered callbacks. At most one request is
// in flight at any time, and requests are serviced strictly in arrival
// order.
type AsyncTCPClient struct {
	queue     *requestQueue
	transport Transport
	packager  *TCPPackager
	logger    io.Writer

	mu              sync.Mutex // guards target, lastTarget and the defaults
	target          TargetHost
	lastTarget      TargetHost
	defaultTimeout  time.Duration
	defaultInterval time.Duration

	lastRequest time.Time // worker-owned completion timestamp

	onData  atomic.Value // DataHandler
	onError atomic.Value // ErrorHandler

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Option configures an AsyncTCPClient.
type Option func(*AsyncTCPClient)

// WithQueueLimit bounds the number of pending requests.
func WithQueueLimit(limit int) Option {
	return func(c *AsyncTCPClient) {
		if limit > 0 {
			c.queue = newRequestQueue(limit)
		}
	}
}

// WithTimeout sets the default response timeout and inter-request interval
// applied when SetTarget is called with zero values.
func WithTimeout(timeout, interval time.Duration) Option {
	return func(c *AsyncTCPClient) {
		c.defaultTimeout = timeout
		c.defaultInterval = interval
	}
}

// WithTransport substitutes the transport. Tests use this to run the worker
// against an in-memory peer.
func WithTransport(t Transport) Option {
	return func(c *AsyncTCPClient) {
		c.transport = t
	}
}

// WithLogger directs client and transport tracing to w.
func WithLogger(w io.Writer) Option {
	return func(c *AsyncTCPClient) {
		c.logger = w
	}
}

// NewAsyncTCPClient creates a client. Call SetTarget before queueing
// requests and Start to launch the worker.
func NewAsyncTCPClient(opts ...Option) *AsyncTCPClient {
	c := &AsyncTCPClient{
		queue:           newRequestQueue(DefaultQueueLimit),
		defaultTimeout:  DefaultTimeout,
		defaultInterval: DefaultInterval,
		packager:        NewTCPPackager(),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewTCPTransport(c.logger)
	}
	return c
}

// SetTimeout sets the default response timeout and inter-request interval.
func (c *AsyncTCPClient) SetTimeout(timeout, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTimeout = timeout
	c.defaultInterval = interval
}

// SetTarget switches the target for subsequently queued requests. A zero
// timeout or interval selects the client default. The return value reports
// whether host or port differ from the last target the worker actually used;
// it is informational only and does not itself close any connection.
func (c *AsyncTCPClient) SetTarget(host string, port uint16, timeout, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if interval <= 0 {
		interval = c.defaultInterval
	}
	c.target = TargetHost{Host: host, Port: port, Timeout: timeout, Interval: interval}
	c.logf("target set: %s", c.target.Addr())
	return !c.target.SameEndpoint(c.lastTarget)
}

// OnData registers the success callback. Without one, successful responses
// are dropped.
func (c *AsyncTCPClient) OnData(fn DataHandler) {
	c.onData.Store(fn)
}

// OnError registers the error callback. Without one, failed requests vanish
// silently.
func (c *AsyncTCPClient) OnError(fn ErrorHandler) {
	c.onError.Store(fn)
}

// AddRequest queues msg against the currently configured target, returning
// RequestQueueFull when the queue is at its limit and EmptyMessage for a
// message too short to carry server id and function code. The message and
// the target are snapshotted; later SetTarget calls do not affect a queued
// request.
func (c *AsyncTCPClient) AddRequest(msg Message, token uint32) error {
	if msg.Size() < 2 {
		return EmptyMessage
	}
	if msg.Size() > MaxTCPFrameLength-TCPHeadLength {
		return PacketLengthError
	}
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()
	id, ok := c.queue.push(token, msg, target)
	if !ok {
		return RequestQueueFull
	}
	c.logf("request queued: txn=%d token=%d queue=%d", id, token, c.queue.size())
	return nil
}

// QueueSize returns the number of pending requests.
func (c *AsyncTCPClient) QueueSize() int {
	return c.queue.size()
}

// Start launches the worker goroutine. Starting a started client is a no-op.
func (c *AsyncTCPClient) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.lastRequest = time.Now()
	c.wg.Add(1)
	go c.handleConnection()
	c.logf("worker started")
}

// Stop discards all pending requests, terminates the worker and releases the
// connection. Discarded entries get no callback. Stopping a stopped client
// is a no-op.
func (c *AsyncTCPClient) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stopCh := c.stopCh
	c.mu.Unlock()
	c.queue.clear()
	close(stopCh)
	c.wg.Wait()
	c.transport.Close()
	c.logf("worker stopped")
}

func (c *AsyncTCPClient) logf(format string, v ...interface{}) {
	if c.logger != nil {
		fmt.Fprintf(c.logger, "modbus: "+format+"\n", v...)
	}
}

// handleConnection is the worker loop: one iteration per queue head, a short
// idle sleep when the queue is empty.
func (c *AsyncTCPClient) handleConnection() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		request := c.queue.front()
		if request == nil {
			select {
			case <-c.stopCh:
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		c.processRequest(request)
	}
}

// processRequest drives one entry through target check, connect, send,
// receive and dispatch. The entry stays at the head of the queue while it
// still has retries left after a timeout or connect failure; every other
// outcome pops it.
func (c *AsyncTCPClient) processRequest(request *RequestEntry) {
	done := true
	defer func() {
		if done {
			c.queue.pop()
		}
		c.lastRequest = time.Now()
	}()

	if c.transport.Connected() {
		if !c.lastUsedTarget().SameEndpoint(request.Target) {
			// Never reuse a connection to a different peer.
			c.logf("target changed, disconnecting")
			c.transport.Close()
		} else {
			c.transport.Drain()
			c.throttle(request.Target.Interval)
		}
	}

	if !c.transport.Connected() {
		if err := c.transport.Connect(request.Target); err != nil {
			if request.RetriesLeft > 0 {
				request.RetriesLeft--
				c.transport.Close()
				c.logf("connect failed, retrying: %v", err)
				c.sleep(reconnectDelay)
				done = false
				return
			}
			c.logf("connect failed, giving up: %v", err)
			c.dispatchError(IPConnectionFailed, request.Token)
			return
		}
	}

	outcome, response := c.exchange(request)
	c.setLastUsedTarget(request.Target)

	switch {
	case outcome == Success:
		c.dispatchData(response, request.Token)
	case outcome.IsRetryable() && request.RetriesLeft > 0:
		request.RetriesLeft--
		c.logf("txn=%d %v, retrying (%d left)", request.TransactionID, outcome, request.RetriesLeft)
		done = false
	default:
		c.dispatchError(outcome, request.Token)
	}
}

// exchange sends the framed request and waits for the response. It returns
// Success with the response message, Timeout when nothing valid arrived, or
// one of the mismatch codes.
func (c *AsyncTCPClient) exchange(request *RequestEntry) (ModbusError, Message) {
	frame, err := c.packager.Pack(request)
	if err != nil {
		c.logf("txn=%d cannot frame request: %v", request.TransactionID, err)
		return PacketLengthError, nil
	}
	if err := c.transport.Write(frame); err != nil {
		// A broken connection surfaces here or at the read below; either
		// way the outcome is a retryable timeout on a fresh connection.
		c.logf("txn=%d write failed: %v", request.TransactionID, err)
		c.transport.Close()
		return Timeout, nil
	}
	c.transport.Flush()

	var buf [ReceiveBufferLength]byte
	n, err := c.transport.ReadSome(buf[:], request.Target.Timeout)
	if err != nil {
		if !isTimeout(err) {
			c.transport.Close()
		}
		c.logf("txn=%d no response: %v", request.TransactionID, err)
		return Timeout, nil
	}
	response, code := c.packager.Unpack(buf[:n], request)
	return code, response
}

// throttle blocks until the target's inter-request interval has elapsed
// since the previous request completed.
func (c *AsyncTCPClient) throttle(interval time.Duration) {
	if interval <= 0 {
		return
	}
	if remain := interval - time.Since(c.lastRequest); remain > 0 {
		c.sleep(remain)
	}
}

// sleep waits for d but returns early on shutdown.
func (c *AsyncTCPClient) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

func (c *AsyncTCPClient) lastUsedTarget() TargetHost {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTarget
}

func (c *AsyncTCPClient) setLastUsedTarget(t TargetHost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTarget = t
}

func (c *AsyncTCPClient) dispatchData(response Message, token uint32) {
	if cb, _ := c.onData.Load().(DataHandler); cb != nil {
		cb(response, token)
		return
	}
	c.logf("no data handler, response dropped: token=%d", token)
}

func (c *AsyncTCPClient) dispatchError(code ModbusError, token uint32) {
	if cb, _ := c.onError.Load().(ErrorHandler); cb != nil {
		cb(code, token)
		return
	}
	c.logf("no error handler, error dropped: token=%d code=%v", token, code)
}
