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
package zkmirror_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/etcd-io/zkmirror"
	"github.com/etcd-io/zkmirror/zktest"
)

// transitions records the states a SessionManager moves through.
type transitions struct {
	mu  sync.Mutex
	scs []zkmirror.StateChange
}

func (tr *transitions) add(sc zkmirror.StateChange) {
	tr.mu.Lock()
	tr.scs = append(tr.scs, sc)
	tr.mu.Unlock()
}

func (tr *transitions) all() []zkmirror.StateChange {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]zkmirror.StateChange(nil), tr.scs...)
}

func (tr *transitions) states() []zkmirror.State {
	var ss []zkmirror.State
	for _, sc := range tr.all() {
		ss = append(ss, sc.To)
	}
	return ss
}

func (tr *transitions) has(s zkmirror.State) bool {
	for _, st := range tr.states() {
		if st == s {
			return true
		}
	}
	return false
}

func newTestSession(t *testing.T) (*zktest.Client, *zkmirror.SessionManager, *transitions) {
	return newTestSessionConfig(t, testConfig())
}

func newTestSessionConfig(t *testing.T, cfg zkmirror.Config) (*zktest.Client, *zkmirror.SessionManager, *transitions) {
	c := zktest.NewServer().NewClient()
	sm := zkmirror.NewSessionManager(c, cfg)
	tr := &transitions{}
	sm.Subscribe(tr.add)
	go func() {
		for ev := range c.Events() {
			sm.HandleEvent(ev)
		}
	}()
	return c, sm, tr
}

func TestSessionConnect(t *testing.T) {
	c, sm, tr := newTestSession(t)
	defer sm.Disconnect()

	if sm.State() != zkmirror.StateDisconnected {
		t.Fatalf("expected initial state Disconnected, got %v", sm.State())
	}
	if err := sm.Connect(context.TODO()); err != nil {
		t.Fatal(err)
	}
	if sm.State() != zkmirror.StateConnected || sm.Session().ID != c.SessionID() {
		t.Fatalf("expected connected session %x, got %+v", c.SessionID(), sm.Session())
	}
	if err := sm.Connect(context.TODO()); err != nil {
		t.Fatal(err)
	}
	if n := c.Calls("connect"); n != 1 {
		t.Fatalf("expected Connect to be idempotent, got %d connect calls", n)
	}
	want := []zkmirror.State{zkmirror.StateConnecting, zkmirror.StateConnected}
	if got := tr.states(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if sm.Session().Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", sm.Session().Epoch)
	}
}

func TestSessionReconnectGivesUp(t *testing.T) {
	cfg := testConfig()
	// keep the next round out of the way
	cfg.MaxReconnectBackoff = time.Hour
	c, sm, _ := newTestSessionConfig(t, cfg)
	defer sm.Disconnect()
	c.SetHook(func(ctx context.Context, op, p string) error {
		if op == "connect" {
			return zkmirror.ErrConnectionLoss
		}
		return nil
	})

	err := sm.Connect(context.TODO())
	if !errors.Is(err, zkmirror.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	if n, want := c.Calls("connect"), cfg.ReconnectAttempts+1; n != want {
		t.Fatalf("expected %d connect attempts, got %d", want, n)
	}
	if sm.State() != zkmirror.StateDisconnected {
		t.Fatalf("expected Disconnected after giving up, got %v", sm.State())
	}

	c.SetHook(nil)
	if err := sm.Connect(context.TODO()); err != nil {
		t.Fatalf("expected a new round to connect, got %v", err)
	}
}

func TestSessionRetriesAfterGivingUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectBackoff = 10 * time.Millisecond
	c, sm, tr := newTestSessionConfig(t, cfg)
	defer sm.Disconnect()
	c.SetHook(func(ctx context.Context, op, p string) error {
		if op == "connect" {
			return zkmirror.ErrConnectionLoss
		}
		return nil
	})

	if err := sm.Connect(context.TODO()); !errors.Is(err, zkmirror.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	if !tr.has(zkmirror.StateDisconnected) {
		t.Fatalf("expected Disconnected after giving up, got %v", tr.states())
	}
	waitFor(t, "a second round", func() bool {
		return c.Calls("connect") > cfg.ReconnectAttempts+1
	})

	c.SetHook(nil)
	waitFor(t, "connected without a Connect call", func() bool {
		return sm.State() == zkmirror.StateConnected
	})
	if sm.Session().ID != c.SessionID() {
		t.Fatalf("expected session %x, got %+v", c.SessionID(), sm.Session())
	}
}

func TestSessionDisconnectStopsRetrying(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectBackoff = 10 * time.Millisecond
	c, sm, _ := newTestSessionConfig(t, cfg)
	c.SetHook(func(ctx context.Context, op, p string) error {
		if op == "connect" {
			return zkmirror.ErrConnectionLoss
		}
		return nil
	})
	if err := sm.Connect(context.TODO()); !errors.Is(err, zkmirror.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	if err := sm.Disconnect(); err != nil {
		t.Fatal(err)
	}
	n := c.Calls("connect")
	time.Sleep(5 * cfg.MaxReconnectBackoff)
	if got := c.Calls("connect"); got != n {
		t.Fatalf("expected no connect calls after Disconnect, got %d more", got-n)
	}
	if sm.State() != zkmirror.StateDisconnected {
		t.Fatalf("expected Disconnected, got %v", sm.State())
	}
}

func TestSessionDropResumes(t *testing.T) {
	c, sm, tr := newTestSession(t)
	defer sm.Disconnect()
	if err := sm.Connect(context.TODO()); err != nil {
		t.Fatal(err)
	}
	sid := sm.Session().ID

	c.Drop()
	waitFor(t, "reconnect", func() bool {
		return tr.has(zkmirror.StateDisconnected) && sm.State() == zkmirror.StateConnected
	})
	if sm.Session().ID != sid {
		t.Fatalf("expected session %x to be resumed, got %x", sid, sm.Session().ID)
	}
	if tr.has(zkmirror.StateExpired) {
		t.Fatalf("did not expect expiry on a dropped connection: %v", tr.states())
	}
}

func TestSessionExpiryStartsFreshSession(t *testing.T) {
	c, sm, tr := newTestSession(t)
	defer sm.Disconnect()
	if err := sm.Connect(context.TODO()); err != nil {
		t.Fatal(err)
	}
	sid := sm.Session().ID
	sm.ObserveZxid(7)

	c.Expire()
	waitFor(t, "fresh session", func() bool {
		return tr.has(zkmirror.StateExpired) && sm.State() == zkmirror.StateConnected
	})
	if sm.Session().ID == sid || sm.Session().ID != c.SessionID() {
		t.Fatalf("expected a fresh session, got %x (was %x)", sm.Session().ID, sid)
	}
	if sm.Session().LastZxid != 7 {
		t.Fatalf("expected last zxid 7, got %d", sm.Session().LastZxid)
	}
	for _, sc := range tr.all() {
		if sc.To == zkmirror.StateExpired && !errors.Is(sc.Err, zkmirror.ErrSessionExpired) {
			t.Fatalf("expected expiry to carry ErrSessionExpired, got %v", sc.Err)
		}
	}
}

func TestSessionDisconnect(t *testing.T) {
	_, sm, tr := newTestSession(t)
	if err := sm.Connect(context.TODO()); err != nil {
		t.Fatal(err)
	}
	if err := sm.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if sm.State() != zkmirror.StateDisconnected {
		t.Fatalf("expected Disconnected, got %v", sm.State())
	}
	scs := tr.all()
	if last := scs[len(scs)-1]; !errors.Is(last.Err, zkmirror.ErrCancelled) {
		t.Fatalf("expected the final transition to carry ErrCancelled, got %+v", last)
	}
	if err := sm.Connect(context.TODO()); !errors.Is(err, zkmirror.ErrClosed) {
		t.Fatalf("expected ErrClosed after Disconnect, got %v", err)
	}
	if err := sm.Disconnect(); err != nil {
		t.Fatalf("expected a second Disconnect to be a no-op, got %v", err)
	}
}
