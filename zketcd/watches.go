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
	"context"
	"sync"

	"github.com/etcd-io/zkmirror"
	"github.com/golang/glog"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type watchKind int

const (
	// node watches cover data and existence; both follow the data key
	nodeWatch watchKind = iota
	// child watches follow the parent's cver key, written on every child
	// create and delete
	childWatch
)

type watchKey struct {
	path string
	kind watchKind
}

// watches turns etcd watches into one-shot znode watches.
type watches struct {
	mu sync.Mutex
	c  *clientv3.Client

	path2watch map[watchKey]*watch
	emit       func(zkmirror.Event)

	ctx    context.Context
	cancel context.CancelFunc
}

type watch struct {
	key    watchKey
	zkPath string
	wch    clientv3.WatchChan
	cancel context.CancelFunc
}

func newWatches(c *clientv3.Client, emit func(zkmirror.Event)) *watches {
	ctx, cancel := context.WithCancel(context.Background())
	return &watches{
		c:          c,
		path2watch: make(map[watchKey]*watch),
		emit:       emit,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func ev2evtype(kind watchKind, ev *clientv3.Event) zkmirror.EventType {
	switch {
	case ev.Type == mvccpb.DELETE:
		return zkmirror.EventNodeDeleted
	case kind == childWatch:
		return zkmirror.EventNodeChildrenChanged
	case ev.IsCreate():
		return zkmirror.EventNodeCreated
	default:
		return zkmirror.EventNodeDataChanged
	}
}

// Watch arms a one-shot watch on zkPath for changes after rev. A watch
// already armed for the same path and kind is kept.
func (ws *watches) Watch(rev int64, zkPath string, kind watchKind) {
	key := watchKey{mkPath(zkPath), kind}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.path2watch[key] != nil {
		glog.V(7).Infof("zketcd: eliding watch on %s kind=%d", zkPath, kind)
		return
	}
	etcdKey := mkPathKey(key.path)
	if kind == childWatch {
		etcdKey = mkPathCVer(key.path)
	}
	ctx, cancel := context.WithCancel(ws.ctx)
	// use rev+1 so the watch begins AFTER the read it belongs to
	wch := ws.c.Watch(ctx, etcdKey, clientv3.WithRev(rev+1))
	w := &watch{key: key, zkPath: zkPath, wch: wch, cancel: cancel}
	ws.path2watch[key] = w
	go ws.runWatch(w)
}

func (ws *watches) runWatch(w *watch) {
	defer w.cancel()
	for resp := range w.wch {
		if err := resp.Err(); err != nil {
			glog.Warningf("zketcd: watch on %s failed (%v)", w.zkPath, err)
			ws.drop(w)
			return
		}
		if len(resp.Events) == 0 {
			continue
		}
		ev := resp.Events[0]
		evtype := ev2evtype(w.key.kind, ev)
		if !ws.consume(w, evtype) {
			return
		}
		zkev := zkmirror.Event{Type: evtype, Path: w.zkPath, Zxid: rev2zxid(ev.Kv.ModRevision)}
		glog.V(7).Infof("zketcd: watch fired %v", zkev)
		ws.emit(zkev)
		return
	}
	ws.drop(w)
}

// consume removes w, and on deletion every other watch of its path, so one
// change is reported once. It reports false if w was already gone.
func (ws *watches) consume(w *watch, evtype zkmirror.EventType) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.path2watch[w.key] != w {
		return false
	}
	delete(ws.path2watch, w.key)
	if evtype == zkmirror.EventNodeDeleted {
		for _, kind := range []watchKind{nodeWatch, childWatch} {
			k := watchKey{w.key.path, kind}
			if other := ws.path2watch[k]; other != nil {
				other.cancel()
				delete(ws.path2watch, k)
			}
		}
	}
	return true
}

func (ws *watches) drop(w *watch) {
	ws.mu.Lock()
	if ws.path2watch[w.key] == w {
		delete(ws.path2watch, w.key)
	}
	ws.mu.Unlock()
}

// reset forgets every armed watch, as the service does when a session ends.
func (ws *watches) reset() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for k, w := range ws.path2watch {
		w.cancel()
		delete(ws.path2watch, k)
	}
}

func (ws *watches) close() {
	ws.reset()
	ws.cancel()
}
