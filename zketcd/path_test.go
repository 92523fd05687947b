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
	"strings"
	"testing"
)

func TestMkPath(t *testing.T) {
	tests := []struct {
		zk    string
		depth byte
	}{
		{"/", 1},
		{"/abc", 1},
		{"/abc/def", 2},
		{"abc/def", 2},
	}
	for i, tt := range tests {
		p := mkPath(tt.zk)
		if p[0] != tt.depth {
			t.Fatalf("#%d: expected depth %d for %q, got %d", i, tt.depth, tt.zk, p[0])
		}
		if !strings.HasPrefix(p[1:], "/") {
			t.Fatalf("#%d: expected absolute path, got %q", i, p[1:])
		}
	}
}

func TestListPrefixSelectsChildren(t *testing.T) {
	pfx := getListPfx(mkPath("/a"))
	if !strings.HasPrefix(mkPathMTime(mkPath("/a/b")), pfx) {
		t.Fatalf("expected /a/b under %q", pfx)
	}
	for _, other := range []string{"/a", "/ab/c", "/a/b/c", "/b"} {
		if strings.HasPrefix(mkPathMTime(mkPath(other)), pfx) {
			t.Fatalf("did not expect %s under %q", other, pfx)
		}
	}
	if got := childName(mkPath("/a"), mkPathMTime(mkPath("/a/b"))); got != "b" {
		t.Fatalf("expected child b, got %q", got)
	}

	rpfx := getListPfx(rootPath)
	if !strings.HasPrefix(mkPathMTime(mkPath("/x")), rpfx) {
		t.Fatalf("expected /x under root prefix %q", rpfx)
	}
	if strings.HasPrefix(mkPathMTime(mkPath("/x/y")), rpfx) {
		t.Fatalf("did not expect /x/y under root prefix %q", rpfx)
	}
	if got := childName(rootPath, mkPathMTime(mkPath("/x"))); got != "x" {
		t.Fatalf("expected child x, got %q", got)
	}
}

func TestInt64Encoding(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1 << 40} {
		if got := decodeInt64([]byte(encodeInt64(v))); got != v {
			t.Fatalf("expected %d, got %d", v, got)
		}
	}
	if got := decodeInt64(nil); got != 0 {
		t.Fatalf("expected missing value to decode as 0, got %d", got)
	}
}
