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

package zk

import (
	"context"
	"sync"
	"time"

	"github.com/etcd-io/zkmirror"
	"github.com/go-zookeeper/zk"
	"github.com/golang/glog"
)

// glogger routes the client library's logging through glog.
type glogger struct{}

func (glogger) Printf(format string, args ...interface{}) {
	glog.V(5).Infof("zk: "+format, args...)
}

// session owns the library connection. The library keeps reconnecting on
// its own, resuming the session when it can and starting a new one after
// expiry; session only reports what it sees.
type session struct {
	servers []string
	timeout time.Duration

	mu   sync.Mutex
	conn *zk.Conn

	evq *zkmirror.EventQueue
}

func newSession(servers []string, timeout time.Duration) *session {
	return &session{servers: servers, timeout: timeout, evq: zkmirror.NewEventQueue()}
}

// dial creates the connection once; later calls return the same one.
func (s *session) dial() (*zk.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	glog.V(6).Infof("zk: dialing %v", s.servers)
	conn, _, err := zk.Connect(
		s.servers,
		s.timeout,
		zk.WithLogger(glogger{}),
		zk.WithLogInfo(false),
		zk.WithEventCallback(s.onEvent),
	)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *session) current() *zk.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// waitSession polls until the connection holds a session.
func (s *session) waitSession(ctx context.Context, conn *zk.Conn) (zkmirror.Sid, error) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if conn.State() == zk.StateHasSession {
			return zkmirror.Sid(conn.SessionID()), nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return 0, zkmirror.ErrConnectionLoss
		}
	}
}

// onEvent is called by the library, in order, for session and watch
// events alike. It must not block.
func (s *session) onEvent(ev zk.Event) {
	glog.V(6).Infof("zk: event %+v", ev)
	s.evq.Push(zkmirror.Event{
		Type:  zkmirror.EventType(ev.Type),
		State: zkmirror.State(ev.State),
		Path:  ev.Path,
		Err:   mapErr(ev.Err),
	})
}

func (s *session) close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.evq.Close()
}
