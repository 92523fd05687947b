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
	"context"
	"sync"
)

// PathQueue runs functions one at a time per key, in submission order.
// Different keys run concurrently. A key's worker goroutine exits once its
// queue drains.
type PathQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]func()
	pending int
}

func NewPathQueue() *PathQueue {
	pq := &PathQueue{queues: make(map[string][]func())}
	pq.cond = sync.NewCond(&pq.mu)
	return pq
}

// Go queues fn behind everything already queued for key and returns
// immediately.
func (pq *PathQueue) Go(key string, fn func()) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.pending++
	q, running := pq.queues[key]
	pq.queues[key] = append(q, fn)
	if !running {
		go pq.run(key)
	}
}

// Do is Go followed by waiting for fn to finish. It must not be called from
// a function running on the same key.
func (pq *PathQueue) Do(key string, fn func()) {
	donec := make(chan struct{})
	pq.Go(key, func() {
		defer close(donec)
		fn()
	})
	<-donec
}

func (pq *PathQueue) run(key string) {
	for {
		pq.mu.Lock()
		q := pq.queues[key]
		if len(q) == 0 {
			delete(pq.queues, key)
			pq.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		pq.queues[key] = q[1:]
		pq.mu.Unlock()

		fn()

		pq.mu.Lock()
		pq.pending--
		if pq.pending == 0 {
			pq.cond.Broadcast()
		}
		pq.mu.Unlock()
	}
}

// Wait blocks until no function is queued or running on any key.
func (pq *PathQueue) Wait() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for pq.pending > 0 {
		pq.cond.Wait()
	}
}

// keyedMutex is a per-key lock granted in request order.
type keyedMutex struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{tails: make(map[string]chan struct{})}
}

// Lock waits for every earlier holder of key. If ctx ends first the slot is
// still passed on in order, once the predecessor releases it.
func (km *keyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	me := make(chan struct{})
	km.mu.Lock()
	prev := km.tails[key]
	km.tails[key] = me
	km.mu.Unlock()

	release := func() {
		km.mu.Lock()
		if km.tails[key] == me {
			delete(km.tails, key)
		}
		km.mu.Unlock()
		close(me)
	}
	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctxErr(ctx)
	}
}
