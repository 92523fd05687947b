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

package xchk

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/etcd-io/zkmirror"
	"github.com/golang/glog"
)

// cachedStat is the part of a stat a cache is expected to agree on. Zxids
// and times are left out: a snapshot made from a local mutation does not
// know them until the next read.
type cachedStat struct {
	Version     zkmirror.Ver
	Cversion    zkmirror.Ver
	DataLength  int32
	NumChildren int32
}

func toCachedStat(st zkmirror.Stat) cachedStat {
	return cachedStat{st.Version, st.Cversion, st.DataLength, st.NumChildren}
}

type remoteNode struct {
	Data     []byte
	Stat     zkmirror.Stat
	Children []string
}

// Check compares the cached snapshot of p against a fresh read of p.
// Stale snapshots are not checked; a path absent from both is consistent.
func Check(ctx context.Context, tc *zkmirror.TreeCache, r zkmirror.Remote, p string) error {
	snap, ok := tc.Get(p)
	if ok && snap.Stale {
		glog.V(6).Infof("xchk: skipping stale %s", p)
		return nil
	}
	data, st, err := r.GetData(ctx, p, false)
	var (
		children []string
		cst      zkmirror.Stat
	)
	if err == nil {
		children, cst, err = r.GetChildren(ctx, p, false)
	}
	if errors.Is(err, zkmirror.ErrNoNode) {
		if ok {
			return &XchkError{Path: p, err: errExists, c: snap, o: err}
		}
		return nil
	}
	if err != nil {
		return err
	}
	sort.Strings(children)
	st.Cversion, st.NumChildren = cst.Cversion, cst.NumChildren
	o := &remoteNode{Data: data, Stat: st, Children: children}
	if !ok {
		return &XchkError{Path: p, err: errMissing, o: o}
	}

	var xerr error
	switch {
	case !bytes.Equal(snap.Data, data):
		xerr = errData
	case toCachedStat(snap.Stat) != toCachedStat(st):
		xerr = errStat
	case len(snap.Children) != len(children):
		xerr = errNumChildren
	default:
		for i := range children {
			if snap.Children[i] != children[i] {
				xerr = errChildren
				break
			}
		}
	}
	if xerr != nil {
		return &XchkError{Path: p, err: xerr, c: snap, o: o}
	}
	return nil
}

// CheckTree checks every cached path and joins the mismatches found.
func CheckTree(ctx context.Context, tc *zkmirror.TreeCache, r zkmirror.Remote) error {
	var errs []error
	for _, p := range tc.Paths() {
		if err := Check(ctx, tc, r, p); err != nil {
			glog.Warning(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
