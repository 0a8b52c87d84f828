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

import "sync"

// RequestRetries is the number of extra attempts granted to a request after
// its first timeout or connect failure.
const RequestRetries = 2

// RequestEntry is one queued unit of work. It is owned by the queue until the
// worker pops it; from then on the worker owns it exclusively until the
// request completes or its retries are exhausted.
type RequestEntry struct {
	TransactionID uint16
	Target        TargetHost // snapshot taken at enqueue time
	Msg           Message
	Token         uint32
	RetriesLeft   uint8
}

// requestQueue is a bounded FIFO of RequestEntry. Producers (AddRequest
// callers) push to the tail; the single worker peeks and pops the head. All
// operations hold the mutex, so pushes are atomic with respect to the
// worker's peek/pop cycle.
type requestQueue struct {
	mu      sync.Mutex
	entries []*RequestEntry
	limit   int
	nextID  uint16 // next transaction id, wraps at 16 bits
}

func newRequestQueue(limit int) *requestQueue {
	return &requestQueue{limit: limit}
}

// push snapshots target, assigns the next transaction id and appends the
// request. It returns false without mutating anything when the queue is at
// its limit. The id counter lives under the queue mutex so that ids are
// strictly increasing in queue order.
func (q *requestQueue) push(token uint32, msg Message, target TargetHost) (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.limit {
		return 0, false
	}
	id := q.nextID
	q.nextID++
	q.entries = append(q.entries, &RequestEntry{
		TransactionID: id,
		Target:        target,
		Msg:           msg,
		Token:         token,
		RetriesLeft:   RequestRetries,
	})
	return id, true
}

// front returns the head entry without removing it, or nil when empty. The
// worker uses this to process an entry and only pop it once the outcome is
// final, which is what keeps a retried entry at the head.
func (q *requestQueue) front() *RequestEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// pop removes the head entry.
func (q *requestQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return
	}
	q.entries[0] = nil
	q.entries = q.entries[1:]
}

func (q *requestQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// clear discards all pending entries. Used during shutdown so no entry is
// processed after teardown begins.
func (q *requestQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}
