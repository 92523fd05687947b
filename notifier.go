// Copyright 2017 CoreOS, Inc.
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

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type ChangeType int

const (
	ChangeAdded ChangeType = iota + 1
	ChangeRemoved
	ChangeDataChanged
	ChangeChildrenChanged
	// ChangeSession reports a session state transition; Path is empty.
	ChangeSession
)

var changeNames = map[ChangeType]string{
	ChangeAdded:           "Added",
	ChangeRemoved:         "Removed",
	ChangeDataChanged:     "DataChanged",
	ChangeChildrenChanged: "ChildrenChanged",
	ChangeSession:         "Session",
}

func (t ChangeType) String() string {
	if name, ok := changeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// ChangeEvent is what subscribers receive.
type ChangeEvent struct {
	Type     ChangeType
	Path     string
	Previous *NodeSnapshot
	Current  *NodeSnapshot

	// State and Err are set on ChangeSession events.
	State State
	Err   error
}

func (ce ChangeEvent) String() string {
	if ce.Type == ChangeSession {
		return fmt.Sprintf("{%v %v}", ce.Type, ce.State)
	}
	return fmt.Sprintf("{%v %s}", ce.Type, ce.Path)
}

// Diff classifies the transition prev -> next. A data change and a
// children change may both be reported for one transition; a change in
// staleness alone reports nothing.
func Diff(prev, next *NodeSnapshot) []ChangeEvent {
	switch {
	case prev == nil && next == nil:
		return nil
	case prev == nil:
		return []ChangeEvent{{Type: ChangeAdded, Path: next.Path, Current: next}}
	case next == nil:
		return []ChangeEvent{{Type: ChangeRemoved, Path: prev.Path, Previous: prev}}
	}
	var evs []ChangeEvent
	if prev.Stat.Version != next.Stat.Version || !bytes.Equal(prev.Data, next.Data) {
		evs = append(evs, ChangeEvent{Type: ChangeDataChanged, Path: next.Path, Previous: prev, Current: next})
	}
	if !equalStrings(prev.Children, next.Children) {
		evs = append(evs, ChangeEvent{Type: ChangeChildrenChanged, Path: next.Path, Previous: prev, Current: next})
	}
	return evs
}

// Notifier fans change events out to subscribers. Publish never waits on a
// subscriber: each one has its own unbounded queue drained by its own
// goroutine, so a slow subscriber only delays itself.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	id int
	fn func(ChangeEvent)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []ChangeEvent
	stopped  bool // drop the rest
	draining bool // deliver the rest, then stop
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscriber)}
}

// Subscribe registers fn. Events are delivered one at a time, in publish
// order. cancel stops delivery; events still queued are dropped.
func (n *Notifier) Subscribe(fn func(ChangeEvent)) (cancel func()) {
	s := &subscriber{fn: fn}
	s.cond = sync.NewCond(&s.mu)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return func() {}
	}
	s.id = n.nextID
	n.nextID++
	n.subs[s.id] = s
	n.mu.Unlock()

	go s.run()
	return func() {
		n.mu.Lock()
		delete(n.subs, s.id)
		n.mu.Unlock()
		s.stop(false)
	}
}

// Publish queues evs for every subscriber.
func (n *Notifier) Publish(evs ...ChangeEvent) {
	if len(evs) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ev := range evs {
		glog.V(6).Infof("notify: %v to %d subscriber(s)", ev, len(n.subs))
	}
	for _, s := range n.subs {
		s.push(evs)
	}
}

// Close delivers what is already queued and then stops every subscriber.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, s := range n.subs {
		s.stop(true)
		delete(n.subs, id)
	}
}

func (s *subscriber) push(evs []ChangeEvent) {
	s.mu.Lock()
	if !s.stopped && !s.draining {
		s.queue = append(s.queue, evs...)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	if drain {
		s.draining = true
	} else {
		s.stopped = true
		s.queue = nil
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped && !s.draining {
			s.cond.Wait()
		}
		if s.stopped || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(ev)
	}
}
