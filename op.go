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
	"context"
	"fmt"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

type OpType int

const (
	OpCreate OpType = iota + 1
	OpRead
	OpSetData
	OpDelete
)

var opNames = map[OpType]string{
	OpCreate:  "create",
	OpRead:    "read",
	OpSetData: "setData",
	OpDelete:  "delete",
}

func (t OpType) String() string {
	if name, ok := opNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OpType(%d)", int(t))
}

// Operation describes one request for Mirror.Submit.
type Operation struct {
	Type OpType
	Path string
	Data []byte
	// Version is the expected version for SetData and Delete.
	Version   Ver
	Flags     int32
	Recursive bool
	Watch     bool
}

func CreateOp(p string, data []byte, recursive bool) Operation {
	return Operation{Type: OpCreate, Path: p, Data: data, Recursive: recursive}
}

func ReadOp(p string, watch bool) Operation {
	return Operation{Type: OpRead, Path: p, Watch: watch}
}

func SetDataOp(p string, data []byte, version Ver) Operation {
	return Operation{Type: OpSetData, Path: p, Data: data, Version: version}
}

func DeleteOp(p string, version Ver, recursive bool) Operation {
	return Operation{Type: OpDelete, Path: p, Version: version, Recursive: recursive}
}

// Result is the outcome of a successful operation. Path is the created
// path for creates; Snapshot is set for reads; Stat for SetData.
type Result struct {
	Path     string
	Snapshot *NodeSnapshot
	Stat     Stat
}

// Handle resolves once a submitted operation completes.
type Handle struct {
	ID ulid.ULID
	Op Operation

	donec chan struct{}
	res   Result
	err   error
}

func newHandle(op Operation) *Handle {
	return &Handle{ID: ulid.Make(), Op: op, donec: make(chan struct{})}
}

func (h *Handle) resolve(res Result, err error) {
	h.res, h.err = res, err
	close(h.donec)
}

// Done is closed when the operation has completed.
func (h *Handle) Done() <-chan struct{} { return h.donec }

// Wait returns the operation's outcome, or the reason ctx ended first. The
// operation keeps running if ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.donec:
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctxErr(ctx)
	}
}

// PendingOperation is an in-flight gateway request.
type PendingOperation struct {
	ID      ulid.ULID
	Op      OpType
	Path    string
	Data    []byte
	Version Ver
	Retries int
}

type pendingOp struct {
	PendingOperation
	retries atomic.Int32
	cancel  context.CancelCauseFunc
}

func (po *pendingOp) snapshot() PendingOperation {
	cp := po.PendingOperation
	cp.Retries = int(po.retries.Load())
	return cp
}
