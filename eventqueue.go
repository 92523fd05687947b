// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package zkmirror

import "sync"

// EventQueue buffers events without bound and hands them out in order on
// C, so a Remote's receive path never waits on its consumer.
type EventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      []Event
	closed bool

	evc   chan Event
	stopc chan struct{}
}

func NewEventQueue() *EventQueue {
	eq := &EventQueue{evc: make(chan Event), stopc: make(chan struct{})}
	eq.cond = sync.NewCond(&eq.mu)
	go eq.run()
	return eq
}

// C is closed once the queue is closed; undelivered events are dropped.
func (eq *EventQueue) C() <-chan Event { return eq.evc }

// Push never blocks. Events pushed after Close are dropped.
func (eq *EventQueue) Push(ev Event) {
	eq.mu.Lock()
	if !eq.closed {
		eq.q = append(eq.q, ev)
		eq.cond.Signal()
	}
	eq.mu.Unlock()
}

func (eq *EventQueue) Close() {
	eq.mu.Lock()
	if eq.closed {
		eq.mu.Unlock()
		return
	}
	eq.closed = true
	eq.cond.Signal()
	eq.mu.Unlock()
	close(eq.stopc)
}

func (eq *EventQueue) run() {
	defer close(eq.evc)
	for {
		eq.mu.Lock()
		for len(eq.q) == 0 && !eq.closed {
			eq.cond.Wait()
		}
		if eq.closed {
			eq.mu.Unlock()
			return
		}
		ev := eq.q[0]
		eq.q = eq.q[1:]
		eq.mu.Unlock()

		select {
		case eq.evc <- ev:
		case <-eq.stopc:
			return
		}
	}
}
