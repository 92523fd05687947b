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
	"encoding/binary"
	"strings"
	"time"
)

// Every znode is a family of etcd keys sharing one suffix: the node's path
// prefixed by its depth byte, so the children of a node are exactly the
// keys under the prefix of depth+1 followed by the node's path.

var rootPath = mkPath("/")

func mkPath(zkPath string) string {
	p := zkPath
	if p[0] != '/' {
		p = "/" + p
	}
	depth := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			depth++
		}
	}
	return string(append([]byte{byte(depth)}, []byte(p)...))
}

func incPath(zetcdPath string) string {
	b := []byte(zetcdPath)
	b[0]++
	return string(b)
}

func mkPathKey(p string) string   { return "/zk/key/" + p }
func mkPathVer(p string) string   { return "/zk/ver/" + p }
func mkPathCVer(p string) string  { return "/zk/cver/" + p }
func mkPathCTime(p string) string { return "/zk/ctime/" + p }
func mkPathMTime(p string) string { return "/zk/mtime/" + p }
func mkPathAVer(p string) string  { return "/zk/aver/" + p }
func mkPathCount(p string) string { return "/zk/count/" + p }

// nodeKeys lists every key a znode owns.
func nodeKeys(p string) []string {
	return []string{
		mkPathKey(p),
		mkPathCTime(p),
		mkPathMTime(p),
		mkPathVer(p),
		mkPathCVer(p),
		mkPathAVer(p),
		mkPathCount(p),
	}
}

// getListPfx is the prefix of the mtime keys of p's children.
func getListPfx(p string) string {
	if p != rootPath {
		// /abc => 1 => listing dir needs search on p[0] = 2
		return mkPathMTime(incPath(p) + "/")
	}
	return mkPathMTime(p)
}

// childName recovers a child's name from one of the keys under getListPfx(p).
func childName(p, key string) string {
	return strings.TrimPrefix(key, getListPfx(p))
}

func encodeTime() string {
	return encodeInt64(time.Now().UnixNano() / int64(time.Millisecond))
}

func decodeInt64(v []byte) int64 { x, _ := binary.Varint(v); return x }

func encodeInt64(v int64) string {
	b := make([]byte, binary.MaxVarintLen64)
	return string(b[:binary.PutVarint(b, v)])
}
