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
	"sort"

	"github.com/etcd-io/zkmirror"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// statGets reads everything a znode's stat is made of, in one txn.
func statGets(p string, opts ...clientv3.OpOption) []clientv3.Op {
	opts = append(opts, clientv3.WithSerializable())
	return []clientv3.Op{
		clientv3.OpGet(mkPathCTime(p), opts...),
		clientv3.OpGet(mkPathMTime(p), opts...),
		clientv3.OpGet(mkPathKey(p), opts...),
		clientv3.OpGet(mkPathCVer(p), opts...),
		clientv3.OpGet(mkPathAVer(p), opts...),
		// to compute num children
		clientv3.OpGet(getListPfx(p), append(opts, clientv3.WithPrefix(), clientv3.WithKeysOnly())...),
	}
}

// node is a decoded statGets response.
type node struct {
	exists   bool
	stat     zkmirror.Stat
	data     []byte
	children []string
	rev      int64
}

func statTxn(p string, txnresp *clientv3.TxnResponse) (n node) {
	ctime := txnresp.Responses[0].GetResponseRange()
	mtime := txnresp.Responses[1].GetResponseRange()
	key := txnresp.Responses[2].GetResponseRange()
	cver := txnresp.Responses[3].GetResponseRange()
	aver := txnresp.Responses[4].GetResponseRange()
	children := txnresp.Responses[5].GetResponseRange()

	s := &n.stat
	if len(ctime.Kvs) != 0 {
		s.Ctime = decodeInt64(ctime.Kvs[0].Value)
		s.Czxid = rev2zxid(ctime.Kvs[0].ModRevision)
		s.Pzxid = s.Czxid
		n.exists = true
	}
	if len(mtime.Kvs) != 0 {
		s.Mzxid = rev2zxid(mtime.Kvs[0].ModRevision)
		s.Mtime = decodeInt64(mtime.Kvs[0].Value)
		s.Version = zkmirror.Ver(mtime.Kvs[0].Version - 1)
	}
	if len(cver.Kvs) != 0 {
		s.Cversion = zkmirror.Ver(cver.Kvs[0].Version - 1)
		s.Pzxid = rev2zxid(cver.Kvs[0].ModRevision)
	}
	if len(aver.Kvs) != 0 {
		s.Aversion = zkmirror.Ver(aver.Kvs[0].Version - 1)
	}
	if len(key.Kvs) != 0 {
		s.EphemeralOwner = zkmirror.Sid(key.Kvs[0].Lease)
		s.DataLength = int32(len(key.Kvs[0].Value))
		n.data = key.Kvs[0].Value
	}
	for _, kv := range children.Kvs {
		n.children = append(n.children, childName(p, string(kv.Key)))
	}
	sort.Strings(n.children)
	s.NumChildren = int32(len(n.children))

	// the root has no keys of its own but always exists
	if p == rootPath {
		n.exists = true
	}
	n.rev = txnresp.Header.Revision
	return n
}

// rev2zxid is off by one since etcd starts at 1 but zk starts at 0.
func rev2zxid(rev int64) zkmirror.ZXid {
	return zkmirror.ZXid(rev - 1)
}
