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

package zktest

import (
	"context"

	"github.com/etcd-io/zkmirror"
)

// Hook runs before every call a Client serves, outside any lock. A non-nil
// error fails the call. It may block, typically until ctx is done.
type Hook func(ctx context.Context, op, path string) error

// Client is one session against a Server. It implements zkmirror.Remote.
type Client struct {
	srv *Server

	// guarded by srv.mu
	sid       zkmirror.Sid
	connected bool
	expired   bool
	closed    bool
	dataw     map[string]struct{}
	childw    map[string]struct{}
	existw    map[string]struct{}
	calls     map[string]int
	hook      Hook

	evq *zkmirror.EventQueue
}

var _ zkmirror.Remote = (*Client)(nil)

func (s *Server) NewClient() *Client {
	c := &Client{
		srv:   s,
		calls: make(map[string]int),
		evq:   zkmirror.NewEventQueue(),
	}
	c.resetWatchesLocked()
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (c *Client) resetWatchesLocked() {
	c.dataw = make(map[string]struct{})
	c.childw = make(map[string]struct{})
	c.existw = make(map[string]struct{})
}

// SetHook installs h for subsequent calls; nil removes it.
func (c *Client) SetHook(h Hook) {
	c.srv.mu.Lock()
	c.hook = h
	c.srv.mu.Unlock()
}

// Calls is how many times op was called, including failed calls.
func (c *Client) Calls(op string) int {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.calls[op]
}

// SessionID is the current session, zero before the first Connect.
func (c *Client) SessionID() zkmirror.Sid {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.sid
}

// Expire ends the session the way the service does after a timeout: its
// watches and ephemeral nodes are gone and the next Connect gets a new one.
func (c *Client) Expire() {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.sid == 0 || c.expired {
		return
	}
	c.expired, c.connected = true, false
	c.resetWatchesLocked()
	c.srv.expireLocked(c.sid)
	c.emitLocked(zkmirror.Event{Type: zkmirror.EventSession, State: zkmirror.StateExpired})
}

// Drop loses the connection but keeps the session; Connect resumes it.
func (c *Client) Drop() {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	c.emitLocked(zkmirror.Event{Type: zkmirror.EventSession, State: zkmirror.StateDisconnected})
}

func (c *Client) Connect(ctx context.Context) (zkmirror.Sid, error) {
	if err := c.enter(ctx, "connect", ""); err != nil {
		return 0, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return 0, zkmirror.ErrClosed
	}
	if c.sid == 0 || c.expired {
		c.sid = c.srv.nextSid
		c.srv.nextSid++
		c.expired = false
		c.resetWatchesLocked()
	}
	c.connected = true
	return c.sid, nil
}

func (c *Client) Events() <-chan zkmirror.Event { return c.evq.C() }

func (c *Client) GetData(ctx context.Context, p string, watch bool) ([]byte, zkmirror.Stat, error) {
	if err := c.enter(ctx, "getData", p); err != nil {
		return nil, zkmirror.Stat{}, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, zkmirror.Stat{}, err
	}
	n := c.srv.nodes[p]
	if n == nil {
		return nil, zkmirror.Stat{}, zkmirror.ErrNoNode
	}
	if watch {
		c.dataw[p] = struct{}{}
	}
	return append([]byte(nil), n.data...), c.srv.statLocked(n), nil
}

func (c *Client) GetChildren(ctx context.Context, p string, watch bool) ([]string, zkmirror.Stat, error) {
	if err := c.enter(ctx, "getChildren", p); err != nil {
		return nil, zkmirror.Stat{}, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, zkmirror.Stat{}, err
	}
	n := c.srv.nodes[p]
	if n == nil {
		return nil, zkmirror.Stat{}, zkmirror.ErrNoNode
	}
	if watch {
		c.childw[p] = struct{}{}
	}
	return c.srv.childrenLocked(n), c.srv.statLocked(n), nil
}

func (c *Client) Exists(ctx context.Context, p string, watch bool) (zkmirror.Stat, bool, error) {
	if err := c.enter(ctx, "exists", p); err != nil {
		return zkmirror.Stat{}, false, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return zkmirror.Stat{}, false, err
	}
	if watch {
		c.existw[p] = struct{}{}
	}
	n := c.srv.nodes[p]
	if n == nil {
		return zkmirror.Stat{}, false, nil
	}
	return c.srv.statLocked(n), true, nil
}

func (c *Client) SetData(ctx context.Context, p string, data []byte, version zkmirror.Ver) (zkmirror.Stat, error) {
	if err := c.enter(ctx, "setData", p); err != nil {
		return zkmirror.Stat{}, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return zkmirror.Stat{}, err
	}
	return c.srv.setDataLocked(p, data, version)
}

func (c *Client) Create(ctx context.Context, p string, data []byte, flags int32) (string, error) {
	if err := c.enter(ctx, "create", p); err != nil {
		return "", err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return "", err
	}
	return c.srv.createLocked(p, data, flags, c.sid)
}

func (c *Client) Delete(ctx context.Context, p string, version zkmirror.Ver) error {
	if err := c.enter(ctx, "delete", p); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	return c.srv.deleteLocked(p, version)
}

// Close ends the session and the event stream.
func (c *Client) Close() error {
	c.srv.mu.Lock()
	if c.closed {
		c.srv.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.sid != 0 && !c.expired {
		c.srv.expireLocked(c.sid)
	}
	delete(c.srv.clients, c)
	c.srv.mu.Unlock()
	c.evq.Close()
	return nil
}

func (c *Client) enter(ctx context.Context, op, p string) error {
	c.srv.mu.Lock()
	c.calls[op]++
	hook := c.hook
	c.srv.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, op, p); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (c *Client) checkLocked() error {
	switch {
	case c.closed:
		return zkmirror.ErrClosed
	case c.expired:
		return zkmirror.ErrSessionExpired
	case !c.connected:
		return zkmirror.ErrConnectionLoss
	}
	return nil
}

// fireLocked delivers at most one event per path, consuming every watch
// it triggers.
func (c *Client) fireLocked(p string, evtype zkmirror.EventType, zxid zkmirror.ZXid) {
	if c.expired || c.closed {
		return
	}
	var sets []map[string]struct{}
	switch evtype {
	case zkmirror.EventNodeCreated:
		sets = []map[string]struct{}{c.existw}
	case zkmirror.EventNodeDataChanged:
		sets = []map[string]struct{}{c.dataw, c.existw}
	case zkmirror.EventNodeChildrenChanged:
		sets = []map[string]struct{}{c.childw}
	case zkmirror.EventNodeDeleted:
		sets = []map[string]struct{}{c.dataw, c.childw, c.existw}
	}
	fired := false
	for _, set := range sets {
		if _, ok := set[p]; ok {
			delete(set, p)
			fired = true
		}
	}
	if fired {
		c.emitLocked(zkmirror.Event{Type: evtype, Path: p, Zxid: zxid})
	}
}

func (c *Client) emitLocked(ev zkmirror.Event) { c.evq.Push(ev) }
