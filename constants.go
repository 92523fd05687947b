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
)

type (
	ZXid int64
	Sid  int64
	Ver  int32 // version
)

// AnyVersion matches every version on SetData and Delete.
const AnyVersion = Ver(-1)

type EventType int32

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged

	EventSession     = EventType(-1)
	EventNotWatching = EventType(-2)
)

var eventNames = map[EventType]string{
	EventNodeCreated:         "EventNodeCreated",
	EventNodeDeleted:         "EventNodeDeleted",
	EventNodeDataChanged:     "EventNodeDataChanged",
	EventNodeChildrenChanged: "EventNodeChildrenChanged",
	EventSession:             "EventSession",
	EventNotWatching:         "EventNotWatching",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int32(t))
}

const (
	FlagEphemeral = 1
	FlagSequence  = 2
)

// State is both the session state reported by a Remote on its event stream
// and the state of the SessionManager. The manager itself only ever moves
// between Disconnected, Connecting, Connected and Expired.
type State int32

const (
	StateUnknown      = State(-1)
	StateDisconnected = State(0)
	StateConnecting   = State(1)
	StateExpired      = State(-112)

	StateConnected  = State(100)
	StateHasSession = State(101)
)

var stateNames = map[State]string{
	StateUnknown:      "StateUnknown",
	StateDisconnected: "StateDisconnected",
	StateConnecting:   "StateConnecting",
	StateExpired:      "StateExpired",
	StateConnected:    "StateConnected",
	StateHasSession:   "StateHasSession",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	ErrConnectionLoss = errors.New("zk: connection loss")
	ErrTimeout        = errors.New("zk: operation timed out")
	ErrSessionExpired = errors.New("zk: session has been expired by the server")
	ErrCancelled      = errors.New("zk: operation cancelled")
	ErrNoNode         = errors.New("zk: node does not exist")
	ErrNodeExists     = errors.New("zk: node already exists")
	ErrNotEmpty       = errors.New("zk: node has children")
	ErrNoParent       = errors.New("zk: parent node does not exist")
	ErrBadVersion     = errors.New("zk: version conflict")
	ErrMalformedPath  = errors.New("zk: malformed path")
	ErrClosed         = errors.New("zk: mirror closed")
	ErrUnknownOp      = errors.New("zk: unknown operation")
)

// ErrorKind classifies an OpError for callers that render failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnection
	KindTimeout
	KindSessionExpired
	KindCancelled
	KindNodeExists
	KindNoNode
	KindNotEmpty
	KindNoParent
	KindVersionConflict
	KindMalformedPath
)

var (
	kindToError = map[ErrorKind]error{
		KindConnection:      ErrConnectionLoss,
		KindTimeout:         ErrTimeout,
		KindSessionExpired:  ErrSessionExpired,
		KindCancelled:       ErrCancelled,
		KindNodeExists:      ErrNodeExists,
		KindNoNode:          ErrNoNode,
		KindNotEmpty:        ErrNotEmpty,
		KindNoParent:        ErrNoParent,
		KindVersionConflict: ErrBadVersion,
		KindMalformedPath:   ErrMalformedPath,
	}

	kindNames = map[ErrorKind]string{
		KindUnknown:         "Unknown",
		KindConnection:      "ConnectionError",
		KindTimeout:         "TimeoutError",
		KindSessionExpired:  "SessionExpiredError",
		KindCancelled:       "Cancelled",
		KindNodeExists:      "NodeExistsError",
		KindNoNode:          "NoNodeError",
		KindNotEmpty:        "NotEmptyError",
		KindNoParent:        "NoParentError",
		KindVersionConflict: "VersionConflictError",
		KindMalformedPath:   "MalformedPathError",
	}
)

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}
