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
// Package zketcd implements zkmirror.Remote on top of etcd. Znodes are
// stored with zetcd's key layout, sessions are leases and watches are
// etcd watches that are dropped after their first event.
package zketcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/etcd-io/zkmirror"
	"github.com/golang/glog"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type zkEtcd struct {
	c   *clientv3.Client
	s   *session
	ws  *watches
	evq *zkmirror.EventQueue
}

var _ zkmirror.Remote = (*zkEtcd)(nil)

// NewRemote connects an etcd client to endpoints. Sessions are leases
// with sessionTimeout as their TTL, rounded up to a second.
func NewRemote(endpoints []string, dialTimeout, sessionTimeout time.Duration) (zkmirror.Remote, error) {
	lg := zap.NewNop()
	if glog.V(7) {
		var err error
		if lg, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      lg,
	})
	if err != nil {
		return nil, err
	}
	ttl := int64((sessionTimeout + time.Second - 1) / time.Second)
	return newZKEtcd(c, ttl), nil
}

func newZKEtcd(c *clientv3.Client, ttl int64) *zkEtcd {
	z := &zkEtcd{c: c, evq: zkmirror.NewEventQueue()}
	z.ws = newWatches(c, z.evq.Push)
	z.s = newSession(c, ttl, z.expired)
	return z
}

func (z *zkEtcd) expired() {
	z.ws.reset()
	z.evq.Push(zkmirror.Event{Type: zkmirror.EventSession, State: zkmirror.StateExpired})
}

func (z *zkEtcd) Connect(ctx context.Context) (zkmirror.Sid, error) {
	id, err := z.s.connect(ctx)
	if err != nil {
		return 0, mapErr(err)
	}
	return zkmirror.Sid(id), nil
}

func (z *zkEtcd) Events() <-chan zkmirror.Event { return z.evq.C() }

func (z *zkEtcd) get(ctx context.Context, p string) (node, error) {
	zp := mkPath(p)
	txnresp, err := z.c.Txn(ctx).Then(statGets(zp)...).Commit()
	if err != nil {
		return node{}, mapErr(err)
	}
	return statTxn(zp, txnresp), nil
}

func (z *zkEtcd) GetData(ctx context.Context, p string, watch bool) ([]byte, zkmirror.Stat, error) {
	n, err := z.get(ctx, p)
	if err != nil {
		return nil, zkmirror.Stat{}, err
	}
	if !n.exists {
		return nil, zkmirror.Stat{}, zkmirror.ErrNoNode
	}
	if watch {
		z.ws.Watch(n.rev, p, nodeWatch)
	}
	glog.V(7).Infof("zketcd: GetData(%s) = (rev=%d, stat=%+v)", p, n.rev, n.stat)
	return n.data, n.stat, nil
}

func (z *zkEtcd) GetChildren(ctx context.Context, p string, watch bool) ([]string, zkmirror.Stat, error) {
	n, err := z.get(ctx, p)
	if err != nil {
		return nil, zkmirror.Stat{}, err
	}
	if !n.exists {
		return nil, zkmirror.Stat{}, zkmirror.ErrNoNode
	}
	if watch {
		z.ws.Watch(n.rev, p, childWatch)
	}
	glog.V(7).Infof("zketcd: GetChildren(%s) = (rev=%d, children=%v)", p, n.rev, n.children)
	return n.children, n.stat, nil
}

func (z *zkEtcd) Exists(ctx context.Context, p string, watch bool) (zkmirror.Stat, bool, error) {
	n, err := z.get(ctx, p)
	if err != nil {
		return zkmirror.Stat{}, false, err
	}
	if watch {
		z.ws.Watch(n.rev, p, nodeWatch)
	}
	glog.V(7).Infof("zketcd: Exists(%s) = (rev=%d, exists=%v)", p, n.rev, n.exists)
	return n.stat, n.exists, nil
}

func (z *zkEtcd) SetData(ctx context.Context, p string, data []byte, version zkmirror.Ver) (zkmirror.Stat, error) {
	if err := zkmirror.ValidatePath(p); err != nil {
		return zkmirror.Stat{}, err
	}
	zp := mkPath(p)
	applyf := func(s concurrency.STM) error {
		if s.Rev(mkPathVer(zp)) == 0 {
			return zkmirror.ErrNoNode
		}
		cur := zkmirror.Ver(decodeInt64([]byte(s.Get(mkPathVer(zp)))))
		if version != zkmirror.AnyVersion && version != cur {
			return zkmirror.ErrBadVersion
		}
		// ephemeral nodes keep their lease
		s.Put(mkPathKey(zp), string(data), clientv3.WithIgnoreLease())
		s.Put(mkPathVer(zp), encodeInt64(int64(cur+1)), clientv3.WithIgnoreLease())
		s.Put(mkPathMTime(zp), encodeTime(), clientv3.WithIgnoreLease())
		return nil
	}
	resp, err := z.doSTM(ctx, applyf)
	if err != nil {
		return zkmirror.Stat{}, err
	}
	txnresp, err := z.c.Txn(ctx).Then(statGets(zp, clientv3.WithRev(resp.Header.Revision))...).Commit()
	if err != nil {
		return zkmirror.Stat{}, mapErr(err)
	}
	n := statTxn(zp, txnresp)
	glog.V(7).Infof("zketcd: SetData(%s) = (rev=%d, stat=%+v)", p, resp.Header.Revision, n.stat)
	return n.stat, nil
}

func (z *zkEtcd) Create(ctx context.Context, p string, data []byte, flags int32) (string, error) {
	// zookeeper sequence keys must be checked presuming a number is added
	zkPath := p
	if flags&zkmirror.FlagSequence != 0 {
		zkPath += "1"
	}
	if err := zkmirror.ValidatePath(zkPath); err != nil {
		return "", err
	}
	if p == "/" {
		return "", zkmirror.ErrNodeExists
	}
	if flags&^(zkmirror.FlagSequence|zkmirror.FlagEphemeral) != 0 {
		return "", fmt.Errorf("zketcd: unsupported create flags %#x", flags)
	}
	var opts []clientv3.OpOption
	if flags&zkmirror.FlagEphemeral != 0 {
		lid := z.s.sid()
		if lid == 0 {
			return "", zkmirror.ErrConnectionLoss
		}
		opts = append(opts, clientv3.WithLease(lid))
	}

	pp := mkPath(path.Dir(p))
	var respPath string
	applyf := func(s concurrency.STM) error {
		if pp != rootPath && s.Rev(mkPathCTime(pp)) == 0 {
			// no parent
			return zkmirror.ErrNoNode
		}
		zp := mkPath(p)
		respPath = p
		if flags&zkmirror.FlagSequence != 0 {
			count := int32(decodeInt64([]byte(s.Get(mkPathCount(pp)))))
			// force as int32 to get integer overflow as per zk docs
			cstr := fmt.Sprintf("%010d", count)
			zp += cstr
			respPath += cstr
			s.Put(mkPathCount(pp), encodeInt64(int64(count+1)), parentOpts(pp)...)
		}
		if s.Rev(mkPathCTime(zp)) != 0 {
			return zkmirror.ErrNodeExists
		}

		t := encodeTime()
		// update parent key's version by blindly writing an empty value
		s.Put(mkPathCVer(pp), "", parentOpts(pp)...)

		s.Put(mkPathKey(zp), string(data), opts...)
		s.Put(mkPathCTime(zp), t, opts...)
		s.Put(mkPathMTime(zp), t, opts...)
		s.Put(mkPathVer(zp), encodeInt64(0), opts...)
		s.Put(mkPathCVer(zp), "", opts...)
		s.Put(mkPathAVer(zp), encodeInt64(0), opts...)
		s.Put(mkPathCount(zp), encodeInt64(0), opts...)
		return nil
	}
	resp, err := z.doSTM(ctx, applyf)
	if err != nil {
		return "", err
	}
	glog.V(7).Infof("zketcd: Create(%s) = (rev=%d, path=%s)", p, resp.Header.Revision, respPath)
	return respPath, nil
}

func (z *zkEtcd) Delete(ctx context.Context, p string, version zkmirror.Ver) error {
	if err := zkmirror.ValidatePath(p); err != nil {
		return err
	}
	zp := mkPath(p)
	if zp == rootPath {
		return zkmirror.ErrMalformedPath
	}
	pp := mkPath(path.Dir(p))
	applyf := func(s concurrency.STM) error {
		if s.Rev(mkPathCTime(zp)) == 0 {
			return zkmirror.ErrNoNode
		}
		ver := zkmirror.Ver(decodeInt64([]byte(s.Get(mkPathVer(zp)))))
		if version != zkmirror.AnyVersion && version != ver {
			return zkmirror.ErrBadVersion
		}
		// cver changes with every child create and delete, so reading it
		// makes the commit fail if the children change under the count
		s.Rev(mkPathCVer(zp))
		cresp, err := z.c.Get(ctx, getListPfx(zp), clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return err
		}
		if cresp.Count != 0 {
			return zkmirror.ErrNotEmpty
		}

		s.Put(mkPathCVer(pp), "", parentOpts(pp)...)
		for _, k := range nodeKeys(zp) {
			s.Del(k)
		}
		return nil
	}
	resp, err := z.doSTM(ctx, applyf)
	if err != nil {
		return err
	}
	glog.V(7).Infof("zketcd: Delete(%s) = (rev=%d)", p, resp.Header.Revision)
	return nil
}

func (z *zkEtcd) Close() error {
	z.ws.close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	serr := z.s.close(ctx)
	cancel()
	z.evq.Close()
	if err := z.c.Close(); err != nil {
		return err
	}
	return mapErr(serr)
}

func (z *zkEtcd) doSTM(ctx context.Context, applyf func(s concurrency.STM) error) (*clientv3.TxnResponse, error) {
	resp, err := concurrency.NewSTM(
		z.c,
		applyf,
		concurrency.WithAbortContext(ctx),
		concurrency.WithIsolation(concurrency.Serializable),
	)
	return resp, mapErr(err)
}

// parentOpts keeps a parent's lease on writes to its keys. The root has
// no keys until its first child, and etcd refuses to ignore the lease of
// a missing key.
func parentOpts(pp string) []clientv3.OpOption {
	if pp == rootPath {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithIgnoreLease()}
}

var (
	connErrs = []error{
		clientv3.ErrNoAvailableEndpoints,
		rpctypes.ErrNoLeader,
		rpctypes.ErrNotCapable,
		rpctypes.ErrStopped,
	}
	timeoutErrs = []error{
		rpctypes.ErrTimeout,
		rpctypes.ErrTimeoutDueToLeaderFail,
		rpctypes.ErrTimeoutDueToConnectionLost,
	}
)

// mapErr translates etcd client errors into zkmirror sentinels. Context
// errors and the sentinels returned by the STM bodies pass through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return zkmirror.ErrSessionExpired
	}
	for _, e := range connErrs {
		if errors.Is(err, e) {
			return zkmirror.ErrConnectionLoss
		}
	}
	for _, e := range timeoutErrs {
		if errors.Is(err, e) {
			return zkmirror.ErrTimeout
		}
	}
	var eerr rpctypes.EtcdError
	if errors.As(err, &eerr) && eerr.Code() == codes.Unavailable {
		return zkmirror.ErrConnectionLoss
	}
	switch status.Code(err) {
	case codes.Unavailable:
		return zkmirror.ErrConnectionLoss
	case codes.DeadlineExceeded:
		return zkmirror.ErrTimeout
	}
	return err
}
