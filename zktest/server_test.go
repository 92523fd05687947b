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
	"errors"
	"testing"
	"time"

	"github.com/etcd-io/zkmirror"
	"github.com/go-playground/assert/v2"
)

func newConnected(t *testing.T, s *Server) *Client {
	c := s.NewClient()
	if _, err := c.Connect(context.TODO()); err != nil {
		t.Fatal(err)
	}
	return c
}

func nextEvent(t *testing.T, c *Client) zkmirror.Event {
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return zkmirror.Event{}
}

func TestServerStat(t *testing.T) {
	s := NewServer()
	c := newConnected(t, s)
	defer c.Close()
	ctx := context.TODO()

	if _, err := c.Create(ctx, "/a", []byte("ab"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, "/a/b", nil, 0); err != nil {
		t.Fatal(err)
	}
	st, err := c.SetData(ctx, "/a", []byte("abc"), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, st.Czxid, zkmirror.ZXid(1))
	assert.Equal(t, st.Mzxid, zkmirror.ZXid(3))
	assert.Equal(t, st.Pzxid, zkmirror.ZXid(2))
	assert.Equal(t, st.Version, zkmirror.Ver(1))
	assert.Equal(t, st.Cversion, zkmirror.Ver(1))
	assert.Equal(t, st.DataLength, int32(3))
	assert.Equal(t, st.NumChildren, int32(1))
	assert.Equal(t, s.Zxid(), zkmirror.ZXid(3))

	children, _, err := c.GetChildren(ctx, "/", false)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, children, []string{"a"})
}

func TestServerErrors(t *testing.T) {
	s := NewServer()
	c := newConnected(t, s)
	defer c.Close()
	ctx := context.TODO()
	if _, err := c.Create(ctx, "/a", nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, "/a/b", nil, 0); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"create exists", errOf(c.Create(ctx, "/a", nil, 0)), zkmirror.ErrNodeExists},
		{"create no parent", errOf(c.Create(ctx, "/x/y", nil, 0)), zkmirror.ErrNoNode},
		{"delete not empty", c.Delete(ctx, "/a", zkmirror.AnyVersion), zkmirror.ErrNotEmpty},
		{"delete bad version", c.Delete(ctx, "/a", 3), zkmirror.ErrBadVersion},
		{"delete no node", c.Delete(ctx, "/x", zkmirror.AnyVersion), zkmirror.ErrNoNode},
		{"set bad version", errOf(c.SetData(ctx, "/a", nil, 2)), zkmirror.ErrBadVersion},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.err)
		}
	}
	if _, ok, err := c.Exists(ctx, "/x", false); ok || err != nil {
		t.Fatalf("expected /x to be absent without error, got %v", err)
	}
}

func errOf[T any](_ T, err error) error { return err }

func TestServerSequential(t *testing.T) {
	s := NewServer()
	c := newConnected(t, s)
	defer c.Close()
	ctx := context.TODO()
	for i, want := range []string{"/n-0000000000", "/n-0000000001"} {
		p, err := c.Create(ctx, "/n-", nil, zkmirror.FlagSequence)
		if err != nil {
			t.Fatal(err)
		}
		if p != want {
			t.Fatalf("#%d: expected %s, got %s", i, want, p)
		}
	}
}

func TestServerWatchesFireOnce(t *testing.T) {
	s := NewServer()
	c := newConnected(t, s)
	defer c.Close()
	w := newConnected(t, s)
	defer w.Close()
	ctx := context.TODO()
	if _, err := c.Create(ctx, "/a", nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := w.GetData(ctx, "/a", true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := w.GetChildren(ctx, "/a", true); err != nil {
		t.Fatal(err)
	}

	if _, err := c.SetData(ctx, "/a", []byte("1"), zkmirror.AnyVersion); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, w)
	assert.Equal(t, ev.Type, zkmirror.EventNodeDataChanged)
	assert.Equal(t, ev.Path, "/a")
	assert.Equal(t, ev.Zxid, s.Zxid())

	// the data watch is used up; only the children watch remains
	if _, err := c.SetData(ctx, "/a", []byte("2"), zkmirror.AnyVersion); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, "/a/b", nil, 0); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, w)
	assert.Equal(t, ev.Type, zkmirror.EventNodeChildrenChanged)
	assert.Equal(t, ev.Path, "/a")

	if _, _, err := w.Exists(ctx, "/c", true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, "/c", nil, 0); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, w)
	assert.Equal(t, ev.Type, zkmirror.EventNodeCreated)
	assert.Equal(t, ev.Path, "/c")
}

func TestClientExpire(t *testing.T) {
	s := NewServer()
	c := newConnected(t, s)
	defer c.Close()
	ctx := context.TODO()
	sid := c.SessionID()
	if _, err := c.Create(ctx, "/eph", nil, zkmirror.FlagEphemeral); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, "/eph/child", nil, 0); err == nil {
		t.Fatalf("expected ephemeral nodes to refuse children")
	}

	c.Expire()
	ev := nextEvent(t, c)
	assert.Equal(t, ev.Type, zkmirror.EventSession)
	assert.Equal(t, ev.State, zkmirror.StateExpired)
	assert.Equal(t, s.Paths(), []string{"/"})
	if _, _, err := c.GetData(ctx, "/", false); !errors.Is(err, zkmirror.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	nsid, err := c.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if nsid == sid {
		t.Fatalf("expected a new session after expiry")
	}
}

func TestClientDropResumes(t *testing.T) {
	s := NewServer()
	c := newConnected(t, s)
	defer c.Close()
	ctx := context.TODO()
	sid := c.SessionID()

	c.Drop()
	ev := nextEvent(t, c)
	assert.Equal(t, ev.State, zkmirror.StateDisconnected)
	if _, _, err := c.GetData(ctx, "/", false); !errors.Is(err, zkmirror.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	nsid, err := c.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, nsid, sid)
}

func TestClientHook(t *testing.T) {
	s := NewServer()
	c := newConnected(t, s)
	ctx := context.TODO()
	errHook := errors.New("hooked")
	c.SetHook(func(ctx context.Context, op, p string) error {
		if op == "create" && p == "/h" {
			return errHook
		}
		return nil
	})
	if _, err := c.Create(ctx, "/h", nil, 0); !errors.Is(err, errHook) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if _, err := c.Create(ctx, "/i", nil, 0); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, c.Calls("create"), 2)
	assert.Equal(t, s.Paths(), []string{"/", "/i"})

	c.Close()
	if _, _, err := c.GetData(ctx, "/", false); !errors.Is(err, zkmirror.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Fatalf("expected closed event stream")
	}
}
