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
	"fmt"
)

var (
	errStat        = fmt.Errorf("stat mismatch")
	errData        = fmt.Errorf("data mismatch")
	errPath        = fmt.Errorf("path mismatch")
	errErr         = fmt.Errorf("err mismatch")
	errExists      = fmt.Errorf("existence mismatch")
	errMissing     = fmt.Errorf("node missing from cache")
	errNumChildren = fmt.Errorf("number of children mismatch")
	errChildren    = fmt.Errorf("children paths mismatch")
	errTimeout     = fmt.Errorf("no response")
)

// XchkError reports a disagreement between a candidate and an oracle for
// one path. For cache checks the candidate is the cached snapshot and the
// oracle a fresh read from the service.
type XchkError struct {
	Path string

	err error
	c   interface{}
	o   interface{}
}

func (xe *XchkError) Error() string {
	return fmt.Sprintf("xchk failed on %s (%v)\ncandidate: %+v\noracle: %+v", xe.Path, xe.err, xe.c, xe.o)
}

func (xe *XchkError) Unwrap() error { return xe.err }
