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
	"context"
	"errors"
	"fmt"
)

// OpError is returned by every Gateway operation. It carries enough
// structure to render a message without parsing Error().
type OpError struct {
	Kind ErrorKind
	Op   string
	Path string

	// Expected and Actual are only meaningful when HasVersions is set.
	Expected    Ver
	Actual      Ver
	HasVersions bool

	Err error
}

func (e *OpError) Error() string {
	if e.HasVersions {
		return fmt.Sprintf("%s %s: %v (expected version %d, actual %d)", e.Op, e.Path, e.Err, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind even when Err wraps a backend
// error.
func (e *OpError) Is(target error) bool {
	if sentinel, ok := kindToError[e.Kind]; ok {
		return sentinel == target
	}
	return false
}

func newOpError(op, p string, err error) *OpError {
	var oe *OpError
	if errors.As(err, &oe) {
		if oe.Op == op && oe.Path == p {
			return oe
		}
		cp := *oe
		cp.Op, cp.Path = op, p
		return &cp
	}
	return &OpError{Kind: KindOf(err), Op: op, Path: p, Err: err}
}

// KindOf classifies err against the sentinel errors.
func KindOf(err error) ErrorKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	for k, sentinel := range kindToError {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindUnknown
}

// IsTransient reports whether err may succeed if the same call is retried
// without caller intervention.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	}
	return false
}
