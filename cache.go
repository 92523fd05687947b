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

package zkmirror

import (
	"bytes"
	"sort"
	"sync"

	"github.com/golang/glog"
)

// NodeSnapshot is the cached view of one node. Snapshots handed out by the
// cache are never modified; an update replaces the snapshot.
type NodeSnapshot struct {
	Path     string
	Data     []byte
	Stat     Stat
	Children []string // sorted

	// Stale is set when the snapshot may lag the service: after session
	// expiry, or when only part of it has been read.
	Stale bool
}

func (n *NodeSnapshot) Version() Ver { return n.Stat.Version }

func (n *NodeSnapshot) HasChild(name string) bool {
	i := sort.SearchStrings(n.Children, name)
	return i < len(n.Children) && n.Children[i] == name
}

func (n *NodeSnapshot) clone() *NodeSnapshot {
	cp := *n
	return &cp
}

func (n *NodeSnapshot) equal(o *NodeSnapshot) bool {
	return n.Stat == o.Stat &&
		n.Stale == o.Stale &&
		bytes.Equal(n.Data, o.Data) &&
		equalStrings(n.Children, o.Children)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type UpdateKind int

const (
	// UpdateNode is a full fresh read: data, stat and children.
	UpdateNode UpdateKind = iota
	// UpdateData carries data and the data half of the stat.
	UpdateData
	// UpdateChildren carries children and the children half of the stat.
	UpdateChildren
	// UpdateDeleted removes the node. Zxid, when set, is the transaction
	// that deleted it.
	UpdateDeleted
	// UpdateChildAdded and UpdateChildRemoved adjust the children of a
	// cached node after a local create or delete of Child. Like the service
	// they bump Cversion, so reads issued before the change cannot undo it.
	UpdateChildAdded
	UpdateChildRemoved
)

var updateKindNames = map[UpdateKind]string{
	UpdateNode:         "UpdateNode",
	UpdateData:         "UpdateData",
	UpdateChildren:     "UpdateChildren",
	UpdateDeleted:      "UpdateDeleted",
	UpdateChildAdded:   "UpdateChildAdded",
	UpdateChildRemoved: "UpdateChildRemoved",
}

func (k UpdateKind) String() string { return updateKindNames[k] }

// Update is one state transition for one path, produced from a watch event
// refresh, a fresh read, or a completed local mutation.
type Update struct {
	Path     string
	Kind     UpdateKind
	Data     []byte
	Stat     Stat
	Children []string
	Child    string
	Zxid     ZXid
}

// TreeCache is the flat path -> snapshot index of the mirrored tree.
// Callers serialize updates per path; the cache only guards the map.
type TreeCache struct {
	mu    sync.RWMutex
	nodes map[string]*NodeSnapshot
}

func NewTreeCache() *TreeCache {
	return &TreeCache{nodes: make(map[string]*NodeSnapshot)}
}

// Get returns the cached snapshot for p, without side effects.
func (tc *TreeCache) Get(p string) (*NodeSnapshot, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	n, ok := tc.nodes[p]
	return n, ok
}

// Apply transitions the snapshot of u.Path and returns the snapshots before
// and after; either may be nil. prev == next means the update was a no-op.
func (tc *TreeCache) Apply(u Update) (prev, next *NodeSnapshot) {
	return tc.ApplyFunc(u, nil)
}

// ApplyFunc is Apply with fn invoked under the cache lock when the update
// changed something, so observers see changes in application order.
func (tc *TreeCache) ApplyFunc(u Update, fn func(prev, next *NodeSnapshot)) (prev, next *NodeSnapshot) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	prev = tc.nodes[u.Path]
	next = transition(prev, u)
	if next != nil && prev != nil && next != prev && next.equal(prev) {
		next = prev
	}
	if next == prev {
		glog.V(7).Infof("cache: %v on %s is a no-op", u.Kind, u.Path)
		return prev, next
	}
	if next == nil {
		delete(tc.nodes, u.Path)
	} else {
		tc.nodes[u.Path] = next
	}
	glog.V(6).Infof("cache: applied %v on %s", u.Kind, u.Path)
	if fn != nil {
		fn(prev, next)
	}
	return prev, next
}

// InvalidateAll marks every snapshot stale. Data is kept so stale reads can
// still be served.
func (tc *TreeCache) InvalidateAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for p, n := range tc.nodes {
		if !n.Stale {
			cp := n.clone()
			cp.Stale = true
			tc.nodes[p] = cp
		}
	}
	glog.V(5).Infof("cache: invalidated %d snapshot(s)", len(tc.nodes))
}

// Paths lists the cached paths in order.
func (tc *TreeCache) Paths() []string {
	tc.mu.RLock()
	ps := make([]string, 0, len(tc.nodes))
	for p := range tc.nodes {
		ps = append(ps, p)
	}
	tc.mu.RUnlock()
	sort.Strings(ps)
	return ps
}

func (tc *TreeCache) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.nodes)
}

// olderIncarnation reports whether st describes an earlier life of the node
// than cur, i.e. the node was deleted and created again in between.
func olderIncarnation(st, cur Stat) bool {
	return st.Czxid != 0 && cur.Czxid != 0 && st.Czxid < cur.Czxid
}

func newerIncarnation(st, cur Stat) bool {
	return st.Czxid != 0 && cur.Czxid != 0 && st.Czxid > cur.Czxid
}

// dataBehind reports whether st carries older data than cur for the same
// incarnation.
func dataBehind(st, cur Stat) bool {
	if st.Version != cur.Version {
		return st.Version < cur.Version
	}
	return st.Mzxid != 0 && st.Mzxid < cur.Mzxid
}

func childrenBehind(st, cur Stat) bool {
	if st.Cversion != cur.Cversion {
		return st.Cversion < cur.Cversion
	}
	return st.Pzxid != 0 && st.Pzxid < cur.Pzxid
}

func sortedCopy(ss []string) []string {
	if ss == nil {
		return nil
	}
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	return cp
}

func setData(n *NodeSnapshot, u Update) {
	n.Data = append([]byte(nil), u.Data...)
	n.Stat.Czxid = u.Stat.Czxid
	n.Stat.Ctime = u.Stat.Ctime
	n.Stat.Mzxid = u.Stat.Mzxid
	n.Stat.Mtime = u.Stat.Mtime
	n.Stat.Version = u.Stat.Version
	n.Stat.Aversion = u.Stat.Aversion
	n.Stat.EphemeralOwner = u.Stat.EphemeralOwner
	n.Stat.DataLength = int32(len(u.Data))
}

func setChildren(n *NodeSnapshot, u Update) {
	n.Children = sortedCopy(u.Children)
	n.Stat.Cversion = u.Stat.Cversion
	n.Stat.Pzxid = u.Stat.Pzxid
	n.Stat.NumChildren = int32(len(u.Children))
}

// transition computes the snapshot that results from applying u to cur.
// It returns cur itself when u must be ignored.
func transition(cur *NodeSnapshot, u Update) *NodeSnapshot {
	switch u.Kind {
	case UpdateDeleted:
		if cur == nil {
			return nil
		}
		if u.Zxid != 0 && cur.Stat.Czxid > u.Zxid {
			// created again after the deletion we are told about
			return cur
		}
		return nil

	case UpdateChildAdded, UpdateChildRemoved:
		if cur == nil {
			return nil
		}
		has := cur.HasChild(u.Child)
		if has == (u.Kind == UpdateChildAdded) {
			return cur
		}
		next := cur.clone()
		if u.Kind == UpdateChildAdded {
			next.Children = sortedCopy(append(append([]string(nil), cur.Children...), u.Child))
		} else {
			next.Children = make([]string, 0, len(cur.Children))
			for _, c := range cur.Children {
				if c != u.Child {
					next.Children = append(next.Children, c)
				}
			}
		}
		next.Stat.NumChildren = int32(len(next.Children))
		next.Stat.Cversion++
		return next
	}

	if cur == nil {
		next := &NodeSnapshot{Path: u.Path}
		switch u.Kind {
		case UpdateNode:
			setData(next, u)
			setChildren(next, u)
		case UpdateData:
			setData(next, u)
			next.Stat.Cversion, next.Stat.Pzxid = u.Stat.Cversion, u.Stat.Pzxid
			next.Stale = true
		case UpdateChildren:
			setChildren(next, u)
			next.Stale = true
		}
		return next
	}

	if olderIncarnation(u.Stat, cur.Stat) {
		return cur
	}
	next := cur.clone()
	if newerIncarnation(u.Stat, cur.Stat) {
		next = &NodeSnapshot{Path: u.Path, Stale: u.Kind != UpdateNode}
		cur = next
	}
	switch u.Kind {
	case UpdateNode:
		if !dataBehind(u.Stat, cur.Stat) {
			setData(next, u)
		}
		if !childrenBehind(u.Stat, cur.Stat) {
			setChildren(next, u)
		}
		next.Stale = false
	case UpdateData:
		if !dataBehind(u.Stat, cur.Stat) {
			setData(next, u)
		}
	case UpdateChildren:
		if !childrenBehind(u.Stat, cur.Stat) {
			setChildren(next, u)
		}
	}
	return next
}
