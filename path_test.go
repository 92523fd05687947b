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
	"errors"
	"reflect"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tt := []struct {
		path string
		err  error
	}{
		{"/", nil},
		{"/abc", nil},
		{"/abc/def", nil},
		{"/abc/.def", nil},
		{"/abc/..def", nil},
		{"", errPathEmpty},
		{"abc", errPathBadPrefix},
		{"/abc/", errPathTrailingSlash},
		{"/abc//def", errPathEmptyNodeName},
		{"/abc/./def", errPathIsRelative},
		{"/abc/../def", errPathIsRelative},
		{"/abc/..", errPathIsRelative},
		{"/abc/.", errPathIsRelative},
		{"/abc\x00def", errPathNullCharacter},
		{"/abc\x01def", errPathBadCharacter},
	}
	for i, tc := range tt {
		if err := validatePath(tc.path); err != tc.err {
			t.Errorf("#%d: validatePath(%q) = %v, expected %v", i, tc.path, err, tc.err)
		}
	}
	if err := ValidatePath("abc"); !errors.Is(err, ErrMalformedPath) {
		t.Fatalf("expected ErrMalformedPath, got %v", err)
	}
}

func TestPathHelpers(t *testing.T) {
	if p := Parent("/a/b/c"); p != "/a/b" {
		t.Fatalf("Parent = %q", p)
	}
	if p := Parent("/a"); p != RootPath {
		t.Fatalf("Parent(/a) = %q", p)
	}
	if p := Parent(RootPath); p != RootPath {
		t.Fatalf("Parent(/) = %q", p)
	}
	if b := Base("/a/b"); b != "b" {
		t.Fatalf("Base = %q", b)
	}
	if j := Join(RootPath, "a"); j != "/a" {
		t.Fatalf("Join(/, a) = %q", j)
	}
	if j := Join("/a", "b"); j != "/a/b" {
		t.Fatalf("Join(/a, b) = %q", j)
	}
	if a := Ancestors("/a/b/c"); !reflect.DeepEqual(a, []string{"/a", "/a/b"}) {
		t.Fatalf("Ancestors = %v", a)
	}
	if a := Ancestors("/a"); len(a) != 0 {
		t.Fatalf("Ancestors(/a) = %v", a)
	}
}
