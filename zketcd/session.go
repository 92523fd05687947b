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
package zketcd

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// session is a lease kept alive for as long as the service honors it;
// ephemeral nodes are attached to the lease.
type session struct {
	c   *clientv3.Client
	ttl int64

	mu     sync.Mutex
	id     clientv3.LeaseID
	cancel context.CancelFunc

	// expired is called once the lease is gone.
	expired func()
}

func newSession(c *clientv3.Client, ttl int64, expired func()) *session {
	if ttl <= 0 {
		ttl = 1
	}
	return &session{c: c, ttl: ttl, expired: expired}
}

// connect resumes the current lease if it is still alive and grants a new
// one otherwise.
func (s *session) connect(ctx context.Context) (clientv3.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != 0 {
		resp, err := s.c.TimeToLive(ctx, s.id)
		switch {
		case err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound):
			return 0, err
		case err == nil && resp.TTL > 0:
			glog.V(5).Infof("zketcd: resumed session %x", int64(s.id))
			return s.id, nil
		}
		s.stopLocked()
	}

	lcr, err := s.c.Grant(ctx, s.ttl)
	if err != nil {
		return 0, err
	}
	kactx, cancel := context.WithCancel(s.c.Ctx())
	kach, kaerr := s.c.KeepAlive(kactx, lcr.ID)
	if kaerr != nil {
		cancel()
		return 0, kaerr
	}
	s.id, s.cancel = lcr.ID, cancel
	glog.V(5).Infof("zketcd: started session %x (ttl=%ds)", int64(lcr.ID), s.ttl)
	go s.keepAlive(kactx, lcr.ID, kach)
	return lcr.ID, nil
}

func (s *session) keepAlive(ctx context.Context, id clientv3.LeaseID, kach <-chan *clientv3.LeaseKeepAliveResponse) {
	for range kach {
	}
	if ctx.Err() != nil {
		// stopped by us
		return
	}
	glog.V(5).Infof("zketcd: session %x expired", int64(id))
	s.mu.Lock()
	if s.id != id {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.mu.Unlock()
	s.expired()
}

func (s *session) sid() clientv3.LeaseID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.id, s.cancel = 0, nil
}

// close revokes the lease, removing the session's ephemeral nodes.
func (s *session) close(ctx context.Context) error {
	s.mu.Lock()
	id := s.id
	s.stopLocked()
	s.mu.Unlock()
	if id == 0 {
		return nil
	}
	_, err := s.c.Revoke(ctx, id)
	return err
}
