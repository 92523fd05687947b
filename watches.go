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
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

type WatchKind int

const (
	// WatchData fires on data changes and deletion.
	WatchData WatchKind = iota
	// WatchChildren fires on membership changes and deletion.
	WatchChildren
	// WatchExist fires on creation, data changes and deletion.
	WatchExist

	numWatchKinds
)

var watchKindNames = [numWatchKinds]string{"data", "children", "exist"}

func (k WatchKind) String() string {
	if k >= 0 && k < numWatchKinds {
		return watchKindNames[k]
	}
	return fmt.Sprintf("WatchKind(%d)", int(k))
}

// WatchToken stands for one outstanding one-shot watch.
type WatchToken struct {
	ID   ulid.ULID
	Path string
	Kind WatchKind
}

// WatchRegistry mirrors the one-shot watches the service holds for this
// client. A token is consumed by the first event that matches it and every
// token is dropped when the connection is re-established.
type WatchRegistry struct {
	mu         sync.Mutex
	path2watch [numWatchKinds]map[string]WatchToken
}

func NewWatchRegistry() *WatchRegistry {
	wr := &WatchRegistry{}
	for i := range wr.path2watch {
		wr.path2watch[i] = make(map[string]WatchToken)
	}
	return wr
}

// Arm registers interest in the next event of kind on path. The service
// keeps a single watch per (path, kind) for a client, so arming an
// already armed pair returns the existing token and fresh == false.
func (wr *WatchRegistry) Arm(p string, kind WatchKind) (tok WatchToken, fresh bool) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if cur, ok := wr.path2watch[kind][p]; ok {
		glog.V(7).Infof("watch: eliding %v on %s, already armed", kind, p)
		return cur, false
	}
	tok = WatchToken{ID: ulid.Make(), Path: p, Kind: kind}
	wr.path2watch[kind][p] = tok
	glog.V(7).Infof("watch: armed %v on %s (%s)", kind, p, tok.ID)
	return tok, true
}

// Disarm drops tok if it is still outstanding. Used when the remote call
// that should have set the watch failed.
func (wr *WatchRegistry) Disarm(tok WatchToken) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if cur, ok := wr.path2watch[tok.Kind][tok.Path]; ok && cur.ID == tok.ID {
		delete(wr.path2watch[tok.Kind], tok.Path)
	}
}

// Armed reports whether a watch of kind is outstanding on path.
func (wr *WatchRegistry) Armed(p string, kind WatchKind) bool {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	_, ok := wr.path2watch[kind][p]
	return ok
}

// Valid reports whether tok is still outstanding.
func (wr *WatchRegistry) Valid(tok WatchToken) bool {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	cur, ok := wr.path2watch[tok.Kind][tok.Path]
	return ok && cur.ID == tok.ID
}

// firedKinds lists the watch kinds the service triggers for an event type.
func firedKinds(evtype EventType) []WatchKind {
	switch evtype {
	case EventNodeCreated:
		return []WatchKind{WatchExist}
	case EventNodeDataChanged:
		return []WatchKind{WatchData, WatchExist}
	case EventNodeChildrenChanged:
		return []WatchKind{WatchChildren}
	case EventNodeDeleted, EventNotWatching:
		return []WatchKind{WatchData, WatchChildren, WatchExist}
	}
	return nil
}

// OnEvent consumes and returns the tokens ev fires. Session events fire
// nothing.
func (wr *WatchRegistry) OnEvent(ev Event) []WatchToken {
	kinds := firedKinds(ev.Type)
	if len(kinds) == 0 {
		return nil
	}
	var fired []WatchToken
	wr.mu.Lock()
	for _, k := range kinds {
		if tok, ok := wr.path2watch[k][ev.Path]; ok {
			delete(wr.path2watch[k], ev.Path)
			fired = append(fired, tok)
		}
	}
	wr.mu.Unlock()
	glog.V(6).Infof("watch: %v fired %d token(s)", ev, len(fired))
	return fired
}

// Reset forgets every outstanding token and returns them so callers can
// re-arm the ones they still need.
func (wr *WatchRegistry) Reset() []WatchToken {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	var lost []WatchToken
	for i := range wr.path2watch {
		for _, tok := range wr.path2watch[i] {
			lost = append(lost, tok)
		}
		wr.path2watch[i] = make(map[string]WatchToken)
	}
	glog.V(5).Infof("watch: reset, %d token(s) lost", len(lost))
	return lost
}

// Len is the number of outstanding tokens.
func (wr *WatchRegistry) Len() int {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	n := 0
	for i := range wr.path2watch {
		n += len(wr.path2watch[i])
	}
	return n
}
