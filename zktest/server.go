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

// Package zktest is an in-memory coordination service with ZooKeeper
// semantics: transaction ids, versioned stats, one-shot watches, ephemeral
// and sequential nodes, session expiry and connection loss.
package zktest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/etcd-io/zkmirror"
	"github.com/golang/glog"
)

type node struct {
	data     []byte
	stat     zkmirror.Stat
	children map[string]struct{}
	// seq numbers sequential children
	seq int32
}

// Server holds the namespace shared by all its clients.
type Server struct {
	mu      sync.Mutex
	zxid    zkmirror.ZXid
	clock   int64
	nodes   map[string]*node
	clients map[*Client]struct{}
	nextSid zkmirror.Sid
}

func NewServer() *Server {
	return &Server{
		nodes:   map[string]*node{"/": {children: make(map[string]struct{})}},
		clients: make(map[*Client]struct{}),
		nextSid: 0x1000,
	}
}

// Zxid is the id of the last transaction.
func (s *Server) Zxid() zkmirror.ZXid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zxid
}

// Paths lists every node, in order.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		ps = append(ps, p)
	}
	sort.Strings(ps)
	return ps
}

func parentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func baseOf(p string) string { return p[strings.LastIndexByte(p, '/')+1:] }

func (s *Server) statLocked(n *node) zkmirror.Stat {
	st := n.stat
	st.DataLength = int32(len(n.data))
	st.NumChildren = int32(len(n.children))
	return st
}

func (s *Server) childrenLocked(n *node) []string {
	cs := make([]string, 0, len(n.children))
	for c := range n.children {
		cs = append(cs, c)
	}
	sort.Strings(cs)
	return cs
}

func (s *Server) tick() (zkmirror.ZXid, int64) {
	s.zxid++
	s.clock++
	return s.zxid, s.clock
}

func (s *Server) createLocked(p string, data []byte, flags int32, owner zkmirror.Sid) (string, error) {
	pp := parentOf(p)
	parent := s.nodes[pp]
	if parent == nil {
		return "", zkmirror.ErrNoNode
	}
	if parent.stat.EphemeralOwner != 0 {
		return "", fmt.Errorf("zktest: ephemeral %s cannot have children", pp)
	}
	if flags&zkmirror.FlagSequence != 0 {
		p = fmt.Sprintf("%s%010d", p, parent.seq)
		parent.seq++
	}
	if _, ok := s.nodes[p]; ok {
		return "", zkmirror.ErrNodeExists
	}
	zxid, now := s.tick()
	n := &node{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
		stat: zkmirror.Stat{
			Czxid: zxid,
			Mzxid: zxid,
			Pzxid: zxid,
			Ctime: now,
			Mtime: now,
		},
	}
	if flags&zkmirror.FlagEphemeral != 0 {
		n.stat.EphemeralOwner = owner
	}
	s.nodes[p] = n
	parent.children[baseOf(p)] = struct{}{}
	parent.stat.Cversion++
	parent.stat.Pzxid = zxid

	s.fireLocked(p, zkmirror.EventNodeCreated, zxid)
	s.fireLocked(pp, zkmirror.EventNodeChildrenChanged, zxid)
	glog.V(7).Infof("zktest: created %s at %d", p, zxid)
	return p, nil
}

func (s *Server) deleteLocked(p string, version zkmirror.Ver) error {
	n := s.nodes[p]
	if n == nil {
		return zkmirror.ErrNoNode
	}
	if version != zkmirror.AnyVersion && version != n.stat.Version {
		return zkmirror.ErrBadVersion
	}
	if len(n.children) > 0 {
		return zkmirror.ErrNotEmpty
	}
	zxid, _ := s.tick()
	delete(s.nodes, p)
	pp := parentOf(p)
	parent := s.nodes[pp]
	delete(parent.children, baseOf(p))
	parent.stat.Cversion++
	parent.stat.Pzxid = zxid

	s.fireLocked(p, zkmirror.EventNodeDeleted, zxid)
	s.fireLocked(pp, zkmirror.EventNodeChildrenChanged, zxid)
	glog.V(7).Infof("zktest: deleted %s at %d", p, zxid)
	return nil
}

func (s *Server) setDataLocked(p string, data []byte, version zkmirror.Ver) (zkmirror.Stat, error) {
	n := s.nodes[p]
	if n == nil {
		return zkmirror.Stat{}, zkmirror.ErrNoNode
	}
	if version != zkmirror.AnyVersion && version != n.stat.Version {
		return zkmirror.Stat{}, zkmirror.ErrBadVersion
	}
	zxid, now := s.tick()
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Mzxid = zxid
	n.stat.Mtime = now

	s.fireLocked(p, zkmirror.EventNodeDataChanged, zxid)
	return s.statLocked(n), nil
}

// fireLocked triggers, and consumes, the watches evtype sets off on p.
func (s *Server) fireLocked(p string, evtype zkmirror.EventType, zxid zkmirror.ZXid) {
	for c := range s.clients {
		c.fireLocked(p, evtype, zxid)
	}
}

// expireLocked ends sid, removing its ephemeral nodes.
func (s *Server) expireLocked(sid zkmirror.Sid) {
	var eph []string
	for p, n := range s.nodes {
		if n.stat.EphemeralOwner == sid {
			eph = append(eph, p)
		}
	}
	// children sort after their parents; ephemerals have none anyway
	sort.Sort(sort.Reverse(sort.StringSlice(eph)))
	for _, p := range eph {
		s.deleteLocked(p, zkmirror.AnyVersion)
	}
}
