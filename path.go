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

package zkmirror

import (
	"errors"
	"fmt"
	"strings"
)

const RootPath = "/"

var (
	errPathEmpty         = errors.New("path cannot be null or zero-length")
	errPathBadPrefix     = errors.New("path must start with / character")
	errPathTrailingSlash = errors.New("path must not end with a / character")
	errPathNullCharacter = errors.New("null character not allowed")
	errPathEmptyNodeName = errors.New("empty node name specified")
	errPathIsRelative    = errors.New("relative paths not allowed")
	errPathBadCharacter  = errors.New("invalid character")
)

// ValidatePath checks the supplied path against the ZK rules for valid node
// paths, as implemented upstream in PathUtils.java. The returned error wraps
// ErrMalformedPath.
func ValidatePath(zkPath string) error {
	if err := validatePath(zkPath); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedPath, zkPath, err)
	}
	return nil
}

func validatePath(zkPath string) error {
	if len(zkPath) == 0 {
		return errPathEmpty
	}

	if zkPath[0] != '/' {
		return errPathBadPrefix
	}

	if len(zkPath) == 1 { // root
		return nil
	}

	if zkPath[len(zkPath)-1] == '/' {
		return errPathTrailingSlash
	}

	chars := []rune(zkPath)
	for i, lastc := 1, rune('/'); i < len(chars); i, lastc = i+1, chars[i] {
		c := chars[i]
		switch {
		case c == 0:
			return errPathNullCharacter
		case c == '/' && lastc == '/':
			return errPathEmptyNodeName
		case c == '.' && lastc == '.':
			if chars[i-2] == '/' && (i+1 == len(chars) || chars[i+1] == '/') {
				return errPathIsRelative
			}
		case c == '.':
			if chars[i-1] == '/' && (i+1 == len(chars) || chars[i+1] == '/') {
				return errPathIsRelative
			}
		case c > 0x0000 && c < 0x001f,
			c > 0x007f && c < 0x009f,
			c > 0xd800 && c < 0xf8ff,
			c > 0xfff0 && c < 0xffff:
			return errPathBadCharacter
		}
	}
	return nil
}

// Parent returns the parent of a validated path. The parent of the root is
// the root.
func Parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return RootPath
	}
	return p[:i]
}

// Base returns the last segment of a validated path, "" for the root.
func Base(p string) string {
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Join appends a child name to a validated path.
func Join(p, name string) string {
	if p == RootPath {
		return RootPath + name
	}
	return p + "/" + name
}

// Ancestors lists the proper ancestors of p from the root down, excluding
// the root itself.
func Ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}
