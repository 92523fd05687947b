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

package xchk

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/etcd-io/zkmirror"
	"github.com/golang/glog"
)

// remoteXchk forwards every call to a candidate and an oracle Remote,
// answers with the oracle and reports any disagreement.
type remoteXchk struct {
	c zkmirror.Remote
	o zkmirror.Remote

	errc  chan<- error
	stopc chan struct{}
}

// NewRemote cross-checks candidate against oracle. Mismatches are logged
// and, if errc is not nil, sent on it. Events come from the oracle.
func NewRemote(candidate, oracle zkmirror.Remote, errc chan<- error) zkmirror.Remote {
	xchk := &remoteXchk{c: candidate, o: oracle, errc: errc, stopc: make(chan struct{})}
	go func() {
		// candidate watches are armed but only the oracle's are delivered
		for range candidate.Events() {
		}
	}()
	return xchk
}

type resp struct {
	data     []byte
	children []string
	stat     zkmirror.Stat
	ok       bool
	path     string
	err      error
}

type rfunc func() resp

// xchkResp runs both calls concurrently and waits for both.
func (xchk *remoteXchk) xchkResp(p string, cf, of rfunc) (cr, or resp) {
	cch, och := make(chan resp, 1), make(chan resp, 1)
	go func() { cch <- cf() }()
	go func() { och <- of() }()
	select {
	case cr = <-cch:
	case or = <-och:
	}
	select {
	case cr = <-cch:
	case or = <-och:
	case <-time.After(time.Second):
		xchk.reportErr(p, cr, or, errTimeout)
		select {
		case cr = <-cch:
		case or = <-och:
		}
	}
	if zkmirror.KindOf(cr.err) != zkmirror.KindOf(or.err) {
		xchk.reportErr(p, cr, or, errErr)
	}
	return cr, or
}

func (xchk *remoteXchk) reportErr(p string, cr, or resp, err error) {
	if err == nil {
		return
	}
	xerr := &XchkError{Path: p, err: err, c: cr, o: or}
	glog.Warning(xerr)
	if xchk.errc != nil {
		select {
		case xchk.errc <- xerr:
		case <-xchk.stopc:
		}
	}
}

func (xchk *remoteXchk) Connect(ctx context.Context) (zkmirror.Sid, error) {
	if _, err := xchk.c.Connect(ctx); err != nil {
		glog.Warningf("xchk: candidate connect failed (%v)", err)
	}
	return xchk.o.Connect(ctx)
}

func (xchk *remoteXchk) Events() <-chan zkmirror.Event { return xchk.o.Events() }

func (xchk *remoteXchk) GetData(ctx context.Context, p string, watch bool) ([]byte, zkmirror.Stat, error) {
	f := func(r zkmirror.Remote) rfunc {
		return func() resp {
			data, st, err := r.GetData(ctx, p, watch)
			return resp{data: data, stat: st, err: err}
		}
	}
	cr, or := xchk.xchkResp(p, f(xchk.c), f(xchk.o))
	if cr.err == nil && or.err == nil {
		switch {
		case !bytes.Equal(cr.data, or.data):
			xchk.reportErr(p, cr, or, errData)
		case !xchkStat(cr.stat, or.stat):
			xchk.reportErr(p, cr, or, errStat)
		}
	}
	return or.data, or.stat, or.err
}

func (xchk *remoteXchk) GetChildren(ctx context.Context, p string, watch bool) ([]string, zkmirror.Stat, error) {
	f := func(r zkmirror.Remote) rfunc {
		return func() resp {
			children, st, err := r.GetChildren(ctx, p, watch)
			return resp{children: children, stat: st, err: err}
		}
	}
	cr, or := xchk.xchkResp(p, f(xchk.c), f(xchk.o))
	if cr.err == nil && or.err == nil {
		if len(cr.children) != len(or.children) {
			xchk.reportErr(p, cr, or, errNumChildren)
		} else {
			cc := append([]string(nil), cr.children...)
			oc := append([]string(nil), or.children...)
			sort.Strings(cc)
			sort.Strings(oc)
			for i := range cc {
				if cc[i] != oc[i] {
					xchk.reportErr(p, cr, or, errChildren)
					break
				}
			}
		}
	}
	return or.children, or.stat, or.err
}

func (xchk *remoteXchk) Exists(ctx context.Context, p string, watch bool) (zkmirror.Stat, bool, error) {
	f := func(r zkmirror.Remote) rfunc {
		return func() resp {
			st, ok, err := r.Exists(ctx, p, watch)
			return resp{stat: st, ok: ok, err: err}
		}
	}
	cr, or := xchk.xchkResp(p, f(xchk.c), f(xchk.o))
	if cr.err == nil && or.err == nil {
		switch {
		case cr.ok != or.ok:
			xchk.reportErr(p, cr, or, errExists)
		case cr.ok && !xchkStat(cr.stat, or.stat):
			xchk.reportErr(p, cr, or, errStat)
		}
	}
	return or.stat, or.ok, or.err
}

func (xchk *remoteXchk) SetData(ctx context.Context, p string, data []byte, version zkmirror.Ver) (zkmirror.Stat, error) {
	f := func(r zkmirror.Remote) rfunc {
		return func() resp {
			st, err := r.SetData(ctx, p, data, version)
			return resp{stat: st, err: err}
		}
	}
	cr, or := xchk.xchkResp(p, f(xchk.c), f(xchk.o))
	if cr.err == nil && or.err == nil && !xchkStat(cr.stat, or.stat) {
		xchk.reportErr(p, cr, or, errStat)
	}
	return or.stat, or.err
}

func (xchk *remoteXchk) Create(ctx context.Context, p string, data []byte, flags int32) (string, error) {
	f := func(r zkmirror.Remote) rfunc {
		return func() resp {
			path, err := r.Create(ctx, p, data, flags)
			return resp{path: path, err: err}
		}
	}
	cr, or := xchk.xchkResp(p, f(xchk.c), f(xchk.o))
	if cr.err == nil && or.err == nil && cr.path != or.path {
		xchk.reportErr(p, cr, or, errPath)
	}
	return or.path, or.err
}

func (xchk *remoteXchk) Delete(ctx context.Context, p string, version zkmirror.Ver) error {
	f := func(r zkmirror.Remote) rfunc {
		return func() resp { return resp{err: r.Delete(ctx, p, version)} }
	}
	_, or := xchk.xchkResp(p, f(xchk.c), f(xchk.o))
	return or.err
}

func (xchk *remoteXchk) Close() error {
	close(xchk.stopc)
	cerr := xchk.c.Close()
	if oerr := xchk.o.Close(); oerr != nil {
		return oerr
	}
	return cerr
}

// xchkStat compares the fields two services must agree on; zxids and
// times are per-service.
func xchkStat(cStat, oStat zkmirror.Stat) bool {
	ctdiff, otdiff := cStat.Ctime-cStat.Mtime, oStat.Ctime-oStat.Mtime
	if ctdiff != otdiff && otdiff == 0 {
		// expect equal times to be equal
		return false
	}
	return cStat.Version == oStat.Version &&
		cStat.Cversion == oStat.Cversion &&
		cStat.DataLength == oStat.DataLength &&
		cStat.NumChildren == oStat.NumChildren
}
