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
)

// Remote is the RPC surface of the coordination service. Implementations
// map their native errors onto the sentinel errors in this package
// (ErrNoNode, ErrNodeExists, ErrBadVersion, ErrNotEmpty, ErrSessionExpired,
// ErrConnectionLoss).
//
// A watch requested by passing watch=true fires at most once and is
// delivered on Events.
type Remote interface {
	// Connect establishes a session, or resumes the current one if the
	// service still honors it. It blocks until a session exists.
	Connect(ctx context.Context) (Sid, error)

	// Events is the single ordered stream of watch and session
	// notifications. It is closed by Close.
	Events() <-chan Event

	GetData(ctx context.Context, path string, watch bool) ([]byte, Stat, error)
	GetChildren(ctx context.Context, path string, watch bool) ([]string, Stat, error)
	Exists(ctx context.Context, path string, watch bool) (Stat, bool, error)
	SetData(ctx context.Context, path string, data []byte, version Ver) (Stat, error)
	Create(ctx context.Context, path string, data []byte, flags int32) (string, error)
	Delete(ctx context.Context, path string, version Ver) error

	Close() error
}

// Stat is the metadata record the service keeps for every node.
type Stat struct {
	Czxid          ZXid
	Mzxid          ZXid
	Pzxid          ZXid
	Ctime          int64
	Mtime          int64
	Version        Ver
	Cversion       Ver
	Aversion       Ver
	EphemeralOwner Sid
	DataLength     int32
	NumChildren    int32
}

// Event is a notification from the Remote. Session events carry
// Type == EventSession and the new State; node events carry the path.
type Event struct {
	Type  EventType
	State State
	Path  string
	// Zxid is the transaction that triggered the event when the backend
	// knows it, zero otherwise.
	Zxid ZXid
	Err  error
}

func (ev Event) String() string {
	if ev.Type == EventSession {
		return fmt.Sprintf("{%v %v}", ev.Type, ev.State)
	}
	return fmt.Sprintf("{%v %s zxid=%d}", ev.Type, ev.Path, ev.Zxid)
}
