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

// Package zk implements zkmirror.Remote against a ZooKeeper ensemble.
package zk

import (
	"context"
	"errors"
	"time"

	"github.com/etcd-io/zkmirror"
	"github.com/go-zookeeper/zk"
)

// zkRemote forwards calls to a ZooKeeper server through the client library.
type zkRemote struct {
	s   *session
	acl []zk.ACL
}

// NewRemote returns a Remote for the ensemble at servers ("host:port").
// Nothing is dialed until Connect.
func NewRemote(servers []string, sessionTimeout time.Duration) zkmirror.Remote {
	return &zkRemote{
		s:   newSession(servers, sessionTimeout),
		acl: zk.WorldACL(zk.PermAll),
	}
}

func (zr *zkRemote) Connect(ctx context.Context) (zkmirror.Sid, error) {
	conn, err := zr.s.dial()
	if err != nil {
		return 0, mapErr(err)
	}
	return zr.s.waitSession(ctx, conn)
}

func (zr *zkRemote) Events() <-chan zkmirror.Event { return zr.s.evq.C() }

// do runs f on the current connection. The library calls do not take a
// context, so a call outliving ctx is abandoned, not aborted; callers only
// read what f wrote when do returns nil.
func (zr *zkRemote) do(ctx context.Context, f func(conn *zk.Conn) error) error {
	conn := zr.s.current()
	if conn == nil {
		return zkmirror.ErrConnectionLoss
	}
	errc := make(chan error, 1)
	go func() { errc <- f(conn) }()
	select {
	case err := <-errc:
		return mapErr(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (zr *zkRemote) GetData(ctx context.Context, p string, watch bool) ([]byte, zkmirror.Stat, error) {
	type result struct {
		data []byte
		st   *zk.Stat
	}
	var r result
	err := zr.do(ctx, func(conn *zk.Conn) (err error) {
		if watch {
			r.data, r.st, _, err = conn.GetW(p)
		} else {
			r.data, r.st, err = conn.Get(p)
		}
		return err
	})
	if err != nil {
		return nil, zkmirror.Stat{}, err
	}
	return r.data, statFromZK(r.st), nil
}

func (zr *zkRemote) GetChildren(ctx context.Context, p string, watch bool) ([]string, zkmirror.Stat, error) {
	type result struct {
		children []string
		st       *zk.Stat
	}
	var r result
	err := zr.do(ctx, func(conn *zk.Conn) (err error) {
		if watch {
			r.children, r.st, _, err = conn.ChildrenW(p)
		} else {
			r.children, r.st, err = conn.Children(p)
		}
		return err
	})
	if err != nil {
		return nil, zkmirror.Stat{}, err
	}
	return r.children, statFromZK(r.st), nil
}

func (zr *zkRemote) Exists(ctx context.Context, p string, watch bool) (zkmirror.Stat, bool, error) {
	type result struct {
		ok bool
		st *zk.Stat
	}
	var r result
	err := zr.do(ctx, func(conn *zk.Conn) (err error) {
		if watch {
			r.ok, r.st, _, err = conn.ExistsW(p)
		} else {
			r.ok, r.st, err = conn.Exists(p)
		}
		return err
	})
	if err != nil {
		return zkmirror.Stat{}, false, err
	}
	return statFromZK(r.st), r.ok, nil
}

func (zr *zkRemote) SetData(ctx context.Context, p string, data []byte, version zkmirror.Ver) (zkmirror.Stat, error) {
	var st *zk.Stat
	err := zr.do(ctx, func(conn *zk.Conn) (err error) {
		st, err = conn.Set(p, data, int32(version))
		return err
	})
	if err != nil {
		return zkmirror.Stat{}, err
	}
	return statFromZK(st), nil
}

func (zr *zkRemote) Create(ctx context.Context, p string, data []byte, flags int32) (string, error) {
	var path string
	err := zr.do(ctx, func(conn *zk.Conn) (err error) {
		path, err = conn.Create(p, data, flags, zr.acl)
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (zr *zkRemote) Delete(ctx context.Context, p string, version zkmirror.Ver) error {
	return zr.do(ctx, func(conn *zk.Conn) error { return conn.Delete(p, int32(version)) })
}

func (zr *zkRemote) Close() error {
	zr.s.close()
	return nil
}

func statFromZK(zst *zk.Stat) zkmirror.Stat {
	if zst == nil {
		return zkmirror.Stat{}
	}
	return zkmirror.Stat{
		Czxid:          zkmirror.ZXid(zst.Czxid),
		Mzxid:          zkmirror.ZXid(zst.Mzxid),
		Pzxid:          zkmirror.ZXid(zst.Pzxid),
		Ctime:          zst.Ctime,
		Mtime:          zst.Mtime,
		Version:        zkmirror.Ver(zst.Version),
		Cversion:       zkmirror.Ver(zst.Cversion),
		Aversion:       zkmirror.Ver(zst.Aversion),
		EphemeralOwner: zkmirror.Sid(zst.EphemeralOwner),
		DataLength:     zst.DataLength,
		NumChildren:    zst.NumChildren,
	}
}

var errMap = map[error]error{
	zk.ErrNoNode:           zkmirror.ErrNoNode,
	zk.ErrNodeExists:       zkmirror.ErrNodeExists,
	zk.ErrNotEmpty:         zkmirror.ErrNotEmpty,
	zk.ErrBadVersion:       zkmirror.ErrBadVersion,
	zk.ErrSessionExpired:   zkmirror.ErrSessionExpired,
	zk.ErrConnectionClosed: zkmirror.ErrConnectionLoss,
	zk.ErrNoServer:         zkmirror.ErrConnectionLoss,
	zk.ErrClosing:          zkmirror.ErrConnectionLoss,
	zk.ErrSessionMoved:     zkmirror.ErrConnectionLoss,
	zk.ErrInvalidPath:      zkmirror.ErrMalformedPath,
}

// mapErr translates library errors into zkmirror sentinels; unknown
// errors pass through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	for zerr, merr := range errMap {
		if errors.Is(err, zerr) {
			return merr
		}
	}
	return err
}
