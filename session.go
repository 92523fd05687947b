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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Session is a copy of the session state owned by a SessionManager.
type Session struct {
	ID       Sid
	State    State
	LastZxid ZXid
	// Attempts counts connection attempts in the current reconnect round.
	Attempts int
	// Epoch increases every time the manager enters StateConnected.
	Epoch uint64
}

// StateChange is passed to SessionManager subscribers on every transition.
type StateChange struct {
	From    State
	To      State
	Session Session
	Err     error
}

// SessionManager owns the connection lifecycle of one Remote:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Disconnected (transient, reconnects with backoff)
//	Connected -> Expired -> Connecting (fresh session)
//
// A round that gives up leaves the manager Disconnected and a new round is
// started every MaxReconnectBackoff until one succeeds. Disconnect is the
// only way to stop it.
type SessionManager struct {
	r   Remote
	cfg Config

	mu      sync.Mutex
	sess    Session
	closed  bool
	looping bool
	// roundc is closed when the running reconnect round ends.
	roundc  chan struct{}
	lastErr error
	// retry starts the next round after one gave up.
	retry *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lmu orders transitions with their dispatch to listeners.
	lmu       sync.Mutex
	listeners []listener
	nextID    int
}

type listener struct {
	id int
	fn func(StateChange)
}

func NewSessionManager(r Remote, cfg Config) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		r:      r,
		cfg:    cfg.withDefaults(),
		sess:   Session{State: StateDisconnected},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect starts the state machine if it is not running and waits until the
// session is connected or the current connection round gives up. Calling it
// while connected is a no-op.
func (sm *SessionManager) Connect(ctx context.Context) error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return ErrClosed
	}
	if sm.sess.State == StateConnected {
		sm.mu.Unlock()
		return nil
	}
	roundc := sm.startRoundLocked()
	sm.mu.Unlock()

	select {
	case <-roundc:
	case <-ctx.Done():
		return ctxErr(ctx)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sess.State == StateConnected {
		return nil
	}
	if sm.closed {
		return ErrClosed
	}
	return sm.lastErr
}

// Disconnect tears the session down. Subscribers see a transition to
// StateDisconnected carrying ErrCancelled. It is terminal.
func (sm *SessionManager) Disconnect() error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil
	}
	sm.closed = true
	if sm.retry != nil {
		sm.retry.Stop()
	}
	sm.mu.Unlock()

	sm.cancel()
	sm.wg.Wait()
	sm.transition(StateDisconnected, ErrCancelled, true)
	glog.V(5).Infof("session: disconnected by caller")
	return sm.r.Close()
}

func (sm *SessionManager) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sess.State
}

func (sm *SessionManager) Session() Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sess
}

// ObserveZxid records the highest transaction id seen on this session.
func (sm *SessionManager) ObserveZxid(zxid ZXid) {
	sm.mu.Lock()
	if zxid > sm.sess.LastZxid {
		sm.sess.LastZxid = zxid
	}
	sm.mu.Unlock()
}

// Subscribe registers fn for every state transition. Transitions are
// delivered one at a time in the order they happen; fn must not call
// Subscribe or Disconnect.
func (sm *SessionManager) Subscribe(fn func(StateChange)) (cancel func()) {
	sm.lmu.Lock()
	id := sm.nextID
	sm.nextID++
	sm.listeners = append(sm.listeners, listener{id, fn})
	sm.lmu.Unlock()
	return func() {
		sm.lmu.Lock()
		defer sm.lmu.Unlock()
		for i, l := range sm.listeners {
			if l.id == id {
				sm.listeners = append(sm.listeners[:i:i], sm.listeners[i+1:]...)
				return
			}
		}
	}
}

// HandleEvent applies a session event from the Remote's stream.
func (sm *SessionManager) HandleEvent(ev Event) {
	if ev.Type != EventSession {
		return
	}
	glog.V(6).Infof("session: event %v", ev)
	switch ev.State {
	case StateExpired:
		sm.transition(StateExpired, ErrSessionExpired, false)
		sm.mu.Lock()
		if !sm.closed {
			sm.startRoundLocked()
		}
		sm.mu.Unlock()
	case StateDisconnected:
		sm.mu.Lock()
		state := sm.sess.State
		if state == StateConnecting && !sm.closed {
			// a round may be finishing on a connection that just dropped
			sm.startRoundLocked()
		}
		sm.mu.Unlock()
		if state != StateConnected {
			return
		}
		sm.transition(StateDisconnected, ErrConnectionLoss, false)
		sm.mu.Lock()
		if !sm.closed {
			sm.startRoundLocked()
		}
		sm.mu.Unlock()
	case StateHasSession:
		// the backend got a session on its own; pick it up unless a round
		// is already on it
		sm.mu.Lock()
		if !sm.closed && (sm.sess.State == StateDisconnected || sm.sess.State == StateExpired) {
			sm.startRoundLocked()
		}
		sm.mu.Unlock()
	}
}

func (sm *SessionManager) startRoundLocked() <-chan struct{} {
	if sm.looping {
		return sm.roundc
	}
	sm.looping = true
	sm.roundc = make(chan struct{})
	sm.wg.Add(1)
	go sm.reconnectLoop(sm.roundc)
	return sm.roundc
}

func (sm *SessionManager) reconnectLoop(roundc chan struct{}) {
	defer sm.wg.Done()
	defer close(roundc)
	// finish must run before the round's final transition so that an event
	// arriving right after it can start a new round.
	finish := func(err error) {
		sm.mu.Lock()
		sm.looping = false
		sm.lastErr = err
		sm.mu.Unlock()
	}

	var err error
	for attempt := 0; attempt <= sm.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			d := backoff(sm.cfg.ReconnectBackoff, sm.cfg.MaxReconnectBackoff, attempt-1)
			glog.Warningf("session: connect attempt %d failed (%v), retrying in %v", attempt, err, d)
			if serr := sleepCtx(sm.ctx, d); serr != nil {
				finish(ErrClosed)
				return
			}
		}
		sm.mu.Lock()
		sm.sess.Attempts = attempt + 1
		prevID := sm.sess.ID
		sm.mu.Unlock()
		sm.transition(StateConnecting, nil, false)

		ctx, cancel := context.WithTimeout(sm.ctx, sm.cfg.RequestTimeout)
		var sid Sid
		sid, err = sm.r.Connect(ctx)
		cancel()
		if sm.ctx.Err() != nil {
			finish(ErrClosed)
			return
		}
		if err != nil {
			continue
		}

		if prevID != 0 && sid != prevID {
			// the backend replaced the session without telling us
			sm.transition(StateExpired, ErrSessionExpired, false)
		}
		sm.mu.Lock()
		sm.sess.ID = sid
		sm.mu.Unlock()
		finish(nil)
		sm.transition(StateConnected, nil, false)
		glog.V(5).Infof("session: connected (sid=%x, attempts=%d)", sid, attempt+1)
		return
	}

	err = fmt.Errorf("%w: no session after %d attempts: %v", ErrConnectionLoss, sm.cfg.ReconnectAttempts+1, err)
	glog.Errorf("session: %v", err)
	finish(err)
	sm.transition(StateDisconnected, err, false)

	sm.mu.Lock()
	if !sm.closed && !sm.looping && sm.sess.State != StateConnected {
		sm.retry = time.AfterFunc(sm.cfg.MaxReconnectBackoff, sm.retryRound)
	}
	sm.mu.Unlock()
}

func (sm *SessionManager) retryRound() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed || sm.sess.State == StateConnected {
		return
	}
	glog.V(5).Infof("session: starting a new connection round")
	sm.startRoundLocked()
}

// transition moves to state to and notifies listeners. Once closed, only
// the final forced transition to Disconnected goes through.
func (sm *SessionManager) transition(to State, err error, force bool) {
	sm.lmu.Lock()
	defer sm.lmu.Unlock()

	sm.mu.Lock()
	if sm.closed && !force {
		sm.mu.Unlock()
		return
	}
	from := sm.sess.State
	if from == to {
		sm.mu.Unlock()
		return
	}
	sm.sess.State = to
	switch to {
	case StateConnected:
		sm.sess.Epoch++
		sm.sess.Attempts = 0
	case StateExpired:
		sm.sess.ID = 0
	}
	sc := StateChange{From: from, To: to, Session: sm.sess, Err: err}
	sm.mu.Unlock()

	glog.V(5).Infof("session: %v -> %v (err=%v)", from, to, err)
	for _, l := range sm.listeners {
		l.fn(sc)
	}
}
