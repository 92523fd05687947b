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

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func snap(p, data string, v Ver, children ...string) *NodeSnapshot {
	return &NodeSnapshot{Path: p, Data: []byte(data), Stat: Stat{Version: v}, Children: children}
}

func changeTypes(evs []ChangeEvent) []ChangeType {
	var ts []ChangeType
	for _, ev := range evs {
		ts = append(ts, ev.Type)
	}
	return ts
}

func TestDiff(t *testing.T) {
	a := snap("/a", "x", 0, "b")
	tests := []struct {
		prev, next *NodeSnapshot
		want       []ChangeType
	}{
		{nil, nil, nil},
		{nil, a, []ChangeType{ChangeAdded}},
		{a, nil, []ChangeType{ChangeRemoved}},
		{a, snap("/a", "y", 1, "b"), []ChangeType{ChangeDataChanged}},
		{a, snap("/a", "x", 0, "b", "c"), []ChangeType{ChangeChildrenChanged}},
		{a, snap("/a", "y", 1), []ChangeType{ChangeDataChanged, ChangeChildrenChanged}},
		// same payload written again still bumps the version
		{a, snap("/a", "x", 1, "b"), []ChangeType{ChangeDataChanged}},
	}
	for _, tt := range tests {
		assert.Equal(t, changeTypes(Diff(tt.prev, tt.next)), tt.want)
	}

	stale := a.clone()
	stale.Stale = true
	assert.Equal(t, len(Diff(a, stale)), 0)

	evs := Diff(a, nil)
	assert.Equal(t, evs[0].Path, "/a")
	assert.Equal(t, evs[0].Previous, a)
}

// recorder collects delivered events.
type recorder struct {
	mu  sync.Mutex
	evs []ChangeEvent
}

func (r *recorder) add(ev ChangeEvent) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ps []string
	for _, ev := range r.evs {
		ps = append(ps, ev.Path)
	}
	return ps
}

func waitLen(t *testing.T, r *recorder, n int) {
	deadline := time.Now().Add(5 * time.Second)
	for len(r.paths()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d event(s), got %v", n, r.paths())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotifierOrder(t *testing.T) {
	n := NewNotifier()
	defer n.Close()
	r := &recorder{}
	n.Subscribe(r.add)

	n.Publish(ChangeEvent{Type: ChangeAdded, Path: "/1"})
	n.Publish(ChangeEvent{Type: ChangeAdded, Path: "/2"}, ChangeEvent{Type: ChangeAdded, Path: "/3"})
	waitLen(t, r, 3)
	assert.Equal(t, r.paths(), []string{"/1", "/2", "/3"})
}

func TestNotifierSlowSubscriber(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	release := make(chan struct{})
	slow := &recorder{}
	n.Subscribe(func(ev ChangeEvent) {
		<-release
		slow.add(ev)
	})
	fast := &recorder{}
	n.Subscribe(fast.add)

	donec := make(chan struct{})
	go func() {
		defer close(donec)
		for i := 0; i < 100; i++ {
			n.Publish(ChangeEvent{Type: ChangeDataChanged, Path: "/a"})
		}
	}()
	select {
	case <-donec:
	case <-time.After(5 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	waitLen(t, fast, 100)

	close(release)
	waitLen(t, slow, 100)
}

func TestNotifierCancel(t *testing.T) {
	n := NewNotifier()
	defer n.Close()
	r := &recorder{}
	cancel := n.Subscribe(r.add)
	n.Publish(ChangeEvent{Type: ChangeAdded, Path: "/a"})
	waitLen(t, r, 1)
	cancel()
	n.Publish(ChangeEvent{Type: ChangeAdded, Path: "/b"})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, r.paths(), []string{"/a"})
}

func TestNotifierCloseDrains(t *testing.T) {
	n := NewNotifier()
	release := make(chan struct{})
	r := &recorder{}
	n.Subscribe(func(ev ChangeEvent) {
		<-release
		r.add(ev)
	})
	n.Publish(ChangeEvent{Type: ChangeAdded, Path: "/a"}, ChangeEvent{Type: ChangeAdded, Path: "/b"})
	n.Close()
	n.Publish(ChangeEvent{Type: ChangeAdded, Path: "/c"})
	close(release)
	waitLen(t, r, 2)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, r.paths(), []string{"/a", "/b"})

	// subscribing after close is harmless
	n.Subscribe(r.add)()
}
