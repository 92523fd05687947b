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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

var errDeleteRoot = fmt.Errorf("%w: cannot delete %s", ErrMalformedPath, RootPath)

// maxReadTries bounds re-reads when a node changes identity between the
// data and children halves of a fetch.
const maxReadTries = 3

// Gateway issues create/read/setData/delete against the Remote and keeps the
// TreeCache in step with their outcomes.
//
// Mutations on one path are serialized in request order. Every cache update,
// including those triggered by watch events, runs on the path's apply queue,
// so updates to one path never interleave.
type Gateway struct {
	r       Remote
	cfg     Config
	cache   *TreeCache
	watches *WatchRegistry
	queue   *PathQueue
	locks   *keyedMutex

	// onApply observes every effective cache transition, under the cache
	// lock and in application order.
	onApply func(prev, next *NodeSnapshot)
	// onZxid observes transaction ids returned by the service.
	onZxid func(ZXid)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[ulid.ULID]*pendingOp
	closed  bool
}

func NewGateway(r Remote, cfg Config, tc *TreeCache, wr *WatchRegistry) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		r:       r,
		cfg:     cfg.withDefaults(),
		cache:   tc,
		watches: wr,
		queue:   NewPathQueue(),
		locks:   newKeyedMutex(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[ulid.ULID]*pendingOp),
	}
}

// begin registers a pending operation. The returned context is cancelled,
// with the cause reported as the operation's error, by CancelPending.
func (g *Gateway) begin(ctx context.Context, op OpType, p string, data []byte, v Ver) (context.Context, *pendingOp, func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, nil, ErrCancelled
	}
	cctx, cancel := context.WithCancelCause(ctx)
	po := &pendingOp{
		PendingOperation: PendingOperation{ID: ulid.Make(), Op: op, Path: p, Data: data, Version: v},
		cancel:           cancel,
	}
	g.pending[po.ID] = po
	done := func() {
		g.mu.Lock()
		delete(g.pending, po.ID)
		g.mu.Unlock()
		cancel(nil)
	}
	return cctx, po, done, nil
}

// CancelPending fails every in-flight operation with cause.
func (g *Gateway) CancelPending(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, po := range g.pending {
		po.cancel(cause)
	}
	if len(g.pending) > 0 {
		glog.V(5).Infof("gateway: cancelled %d pending operation(s) (%v)", len(g.pending), cause)
	}
}

// Pending lists in-flight operations, oldest first.
func (g *Gateway) Pending() []PendingOperation {
	g.mu.Lock()
	ops := make([]PendingOperation, 0, len(g.pending))
	for _, po := range g.pending {
		ops = append(ops, po.snapshot())
	}
	g.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID.Compare(ops[j].ID) < 0 })
	return ops
}

// Close cancels pending operations with ErrCancelled and rejects new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.CancelPending(ErrCancelled)
	g.cancel()
}

// Wait blocks until the apply queue is idle.
func (g *Gateway) Wait() { g.queue.Wait() }

func (g *Gateway) call(ctx context.Context, po *pendingOp, what string, f func(context.Context) error) error {
	first := true
	return g.cfg.retry(ctx, what, func(cctx context.Context) error {
		if !first {
			po.retries.Add(1)
		}
		first = false
		return f(cctx)
	})
}

func (g *Gateway) observe(st Stat) {
	if g.onZxid == nil {
		return
	}
	z := st.Mzxid
	if st.Pzxid > z {
		z = st.Pzxid
	}
	if st.Czxid > z {
		z = st.Czxid
	}
	g.onZxid(z)
}

func (g *Gateway) applyLocked(u Update) (prev, next *NodeSnapshot) {
	return g.cache.ApplyFunc(u, g.onApply)
}

// apply runs u on the apply queue of its path and waits for it.
func (g *Gateway) apply(us ...Update) {
	if len(us) == 0 {
		return
	}
	g.queue.Do(us[0].Path, func() {
		for _, u := range us {
			g.applyLocked(u)
		}
	})
}

// Create makes p with data. With recursive set, missing ancestors are made
// first, root to leaf; if any of them or p itself cannot be made, the
// ancestors made by this call are removed again. It returns the created
// path, which differs from p for sequential nodes.
func (g *Gateway) Create(ctx context.Context, p string, data []byte, flags int32, recursive bool) (string, error) {
	if err := ValidatePath(p); err != nil {
		return "", newOpError("create", p, err)
	}
	if p == RootPath {
		return "", newOpError("create", p, ErrNodeExists)
	}
	ctx, po, done, err := g.begin(ctx, OpCreate, p, data, AnyVersion)
	if err != nil {
		return "", newOpError("create", p, err)
	}
	defer done()

	var created []string
	if recursive {
		if created, err = g.createAncestors(ctx, po, p); err != nil {
			g.rollback(created)
			return "", newOpError("create", p, err)
		}
	}
	actual, err := g.createNode(ctx, po, p, data, flags)
	if err != nil {
		g.rollback(created)
		return "", newOpError("create", p, err)
	}
	return actual, nil
}

func (g *Gateway) createAncestors(ctx context.Context, po *pendingOp, p string) (created []string, err error) {
	for _, a := range Ancestors(p) {
		_, err := g.createNode(ctx, po, a, nil, 0)
		switch {
		case err == nil:
			created = append(created, a)
		case errors.Is(err, ErrNodeExists):
		default:
			return created, fmt.Errorf("ancestor %s: %w", a, err)
		}
	}
	return created, nil
}

func (g *Gateway) createNode(ctx context.Context, po *pendingOp, p string, data []byte, flags int32) (string, error) {
	unlock, err := g.locks.Lock(ctx, p)
	if err != nil {
		return "", err
	}
	defer unlock()

	if flags&FlagSequence == 0 {
		if snap, ok := g.cache.Get(p); ok && !snap.Stale && g.watched(p) {
			return "", ErrNodeExists
		}
	}
	var actual string
	err = g.call(ctx, po, "create "+p, func(cctx context.Context) error {
		var err error
		actual, err = g.r.Create(cctx, p, data, flags)
		return err
	})
	if errors.Is(err, ErrNoNode) {
		err = fmt.Errorf("%w: %s", ErrNoParent, Parent(p))
	}
	if err != nil {
		return "", err
	}
	if err := ctxErr(ctx); err != nil {
		return "", err
	}

	node := Update{
		Path:     actual,
		Kind:     UpdateNode,
		Data:     data,
		Stat:     Stat{DataLength: int32(len(data))},
		Children: []string{},
	}
	if snap, ok := g.cache.Get(actual); ok {
		// whatever was cached belonged to an earlier incarnation
		g.apply(Update{Path: actual, Kind: UpdateDeleted, Zxid: snap.Stat.Czxid}, node)
	} else {
		g.apply(node)
	}
	g.apply(Update{Path: Parent(actual), Kind: UpdateChildAdded, Child: Base(actual)})
	// pick up the full stat and watch the new node
	g.refresh(Event{Type: EventNodeCreated, Path: actual}, true)
	glog.V(6).Infof("gateway: created %s", actual)
	return actual, nil
}

// rollback removes the ancestors made by a failed recursive create, deepest
// first. It runs on its own deadline since the caller's may be gone.
func (g *Gateway) rollback(created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		a := created[i]
		ctx, cancel := context.WithTimeout(g.ctx, g.cfg.RequestTimeout)
		unlock, err := g.locks.Lock(ctx, a)
		if err == nil {
			err = g.r.Delete(ctx, a, AnyVersion)
			unlock()
		}
		cancel()
		if err != nil && !errors.Is(err, ErrNoNode) {
			glog.Warningf("gateway: rollback of %s failed (%v)", a, err)
			continue
		}
		g.apply(Update{Path: a, Kind: UpdateDeleted})
		g.apply(Update{Path: Parent(a), Kind: UpdateChildRemoved, Child: Base(a)})
	}
}

// Read returns the snapshot of p. A cached snapshot is returned as is only
// while data and children watches cover p; otherwise the node is fetched,
// with watches armed before the request when watch is set.
func (g *Gateway) Read(ctx context.Context, p string, watch bool) (*NodeSnapshot, error) {
	if err := ValidatePath(p); err != nil {
		return nil, newOpError("read", p, err)
	}
	if snap, ok := g.cache.Get(p); ok && !snap.Stale && g.watched(p) {
		return snap, nil
	}
	ctx, po, done, err := g.begin(ctx, OpRead, p, nil, AnyVersion)
	if err != nil {
		return nil, newOpError("read", p, err)
	}
	defer done()

	var snap *NodeSnapshot
	g.queue.Do(p, func() { snap, err = g.fetchLocked(ctx, po, p, watch) })
	if err != nil {
		return nil, newOpError("read", p, err)
	}
	return snap, nil
}

// watched reports whether a cached snapshot of p would be kept current.
func (g *Gateway) watched(p string) bool {
	return g.watches.Armed(p, WatchData) && g.watches.Armed(p, WatchChildren)
}

// fetchLocked reads data and children of p and applies the result. It must
// run on p's apply queue.
func (g *Gateway) fetchLocked(ctx context.Context, po *pendingOp, p string, watch bool) (*NodeSnapshot, error) {
	for try := 1; ; try++ {
		var dtok, ctok WatchToken
		var dfresh, cfresh bool
		if watch {
			dtok, dfresh = g.watches.Arm(p, WatchData)
			ctok, cfresh = g.watches.Arm(p, WatchChildren)
		}

		var (
			data     []byte
			st       Stat
			children []string
			cst      Stat
		)
		err := g.call(ctx, po, "getData "+p, func(cctx context.Context) error {
			var err error
			data, st, err = g.r.GetData(cctx, p, watch)
			return err
		})
		if err != nil && dfresh {
			g.watches.Disarm(dtok)
		}
		if err == nil {
			err = g.call(ctx, po, "getChildren "+p, func(cctx context.Context) error {
				var err error
				children, cst, err = g.r.GetChildren(cctx, p, watch)
				return err
			})
		}
		if err != nil && cfresh {
			g.watches.Disarm(ctok)
		}

		if errors.Is(err, ErrNoNode) {
			if cerr := ctxErr(ctx); cerr != nil {
				return nil, cerr
			}
			g.applyLocked(Update{Path: p, Kind: UpdateDeleted})
			if watch {
				exists, werr := g.watchExistLocked(ctx, po, p)
				if werr == nil && exists && try < maxReadTries {
					continue
				}
			}
			return nil, ErrNoNode
		}
		if err != nil {
			return nil, err
		}
		if st.Czxid != cst.Czxid && try < maxReadTries {
			continue
		}
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}

		merged := st
		merged.Cversion = cst.Cversion
		merged.Pzxid = cst.Pzxid
		merged.NumChildren = cst.NumChildren
		g.observe(merged)
		prev, next := g.applyLocked(Update{Path: p, Kind: UpdateNode, Data: data, Stat: merged, Children: children})
		g.dropVanished(prev, next, merged.Pzxid)
		return next, nil
	}
}

// watchExistLocked arms an exist watch on p and reports whether p exists.
func (g *Gateway) watchExistLocked(ctx context.Context, po *pendingOp, p string) (bool, error) {
	tok, fresh := g.watches.Arm(p, WatchExist)
	var ok bool
	err := g.call(ctx, po, "exists "+p, func(cctx context.Context) error {
		var err error
		_, ok, err = g.r.Exists(cctx, p, true)
		return err
	})
	if err != nil && fresh {
		g.watches.Disarm(tok)
	}
	return ok, err
}

// dropVanished removes cached children that a children read no longer
// lists, unless they were created after that read.
func (g *Gateway) dropVanished(prev, next *NodeSnapshot, pzxid ZXid) {
	if prev == nil || next == nil || prev == next {
		return
	}
	for _, c := range prev.Children {
		if next.HasChild(c) {
			continue
		}
		child := Join(next.Path, c)
		if _, ok := g.cache.Get(child); !ok {
			continue
		}
		g.queue.Go(child, func() {
			g.applyLocked(Update{Path: child, Kind: UpdateDeleted, Zxid: pzxid})
		})
	}
}

// refresh brings p up to date after ev, re-arming watches when watch is set.
// It only queues the work.
func (g *Gateway) refresh(ev Event, watch bool) {
	g.queue.Go(ev.Path, func() {
		ctx, po, done, err := g.begin(g.ctx, OpRead, ev.Path, nil, AnyVersion)
		if err != nil {
			return
		}
		defer done()

		if ev.Type == EventNodeDeleted {
			g.applyLocked(Update{Path: ev.Path, Kind: UpdateDeleted, Zxid: ev.Zxid})
			if !watch {
				return
			}
			exists, err := g.watchExistLocked(ctx, po, ev.Path)
			if err != nil {
				glog.Warningf("gateway: re-arming exist watch on %s failed (%v)", ev.Path, err)
				return
			}
			if !exists {
				return
			}
		}
		if _, err := g.fetchLocked(ctx, po, ev.Path, watch); err != nil && !errors.Is(err, ErrNoNode) {
			glog.Warningf("gateway: refresh of %s after %v failed (%v)", ev.Path, ev.Type, err)
		}
	})
}

// SetData replaces the data of p if its version is version, or
// unconditionally for AnyVersion.
func (g *Gateway) SetData(ctx context.Context, p string, data []byte, version Ver) (Stat, error) {
	if err := ValidatePath(p); err != nil {
		return Stat{}, newOpError("setData", p, err)
	}
	ctx, po, done, err := g.begin(ctx, OpSetData, p, data, version)
	if err != nil {
		return Stat{}, newOpError("setData", p, err)
	}
	defer done()

	unlock, err := g.locks.Lock(ctx, p)
	if err != nil {
		return Stat{}, newOpError("setData", p, err)
	}
	defer unlock()

	var st Stat
	err = g.call(ctx, po, "setData "+p, func(cctx context.Context) error {
		var err error
		st, err = g.r.SetData(cctx, p, data, version)
		return err
	})
	switch {
	case errors.Is(err, ErrBadVersion):
		return Stat{}, g.versionConflict(ctx, po, "setData", p, version, err)
	case errors.Is(err, ErrNoNode):
		if ctxErr(ctx) == nil {
			g.apply(Update{Path: p, Kind: UpdateDeleted})
		}
		return Stat{}, newOpError("setData", p, err)
	case err != nil:
		return Stat{}, newOpError("setData", p, err)
	}
	if err := ctxErr(ctx); err != nil {
		return Stat{}, newOpError("setData", p, err)
	}
	g.observe(st)
	g.apply(Update{Path: p, Kind: UpdateData, Data: data, Stat: st})
	return st, nil
}

// versionConflict builds the error for a failed version check, looking up
// the version the node actually has.
func (g *Gateway) versionConflict(ctx context.Context, po *pendingOp, op, p string, expected Ver, cause error) error {
	oe := &OpError{Kind: KindVersionConflict, Op: op, Path: p, Expected: expected, Err: cause}
	var (
		st Stat
		ok bool
	)
	err := g.call(ctx, po, "exists "+p, func(cctx context.Context) error {
		var err error
		st, ok, err = g.r.Exists(cctx, p, false)
		return err
	})
	if err == nil && ok {
		oe.Actual, oe.HasVersions = st.Version, true
	}
	return oe
}

// Delete removes p if its version is version. With recursive set, the
// children are removed depth first before p.
func (g *Gateway) Delete(ctx context.Context, p string, version Ver, recursive bool) error {
	if err := ValidatePath(p); err != nil {
		return newOpError("delete", p, err)
	}
	if p == RootPath {
		return newOpError("delete", p, errDeleteRoot)
	}
	ctx, po, done, err := g.begin(ctx, OpDelete, p, nil, version)
	if err != nil {
		return newOpError("delete", p, err)
	}
	defer done()
	if err := g.deleteNode(ctx, po, p, version, recursive); err != nil {
		return newOpError("delete", p, err)
	}
	return nil
}

func (g *Gateway) deleteNode(ctx context.Context, po *pendingOp, p string, version Ver, recursive bool) error {
	unlock, err := g.locks.Lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	if recursive {
		if err := g.deleteChildren(ctx, po, p, version); err != nil {
			return err
		}
	}
	err = g.call(ctx, po, "delete "+p, func(cctx context.Context) error {
		return g.r.Delete(cctx, p, version)
	})
	switch {
	case errors.Is(err, ErrBadVersion):
		return g.versionConflict(ctx, po, "delete", p, version, err)
	case errors.Is(err, ErrNoNode):
		if ctxErr(ctx) == nil {
			g.apply(Update{Path: p, Kind: UpdateDeleted})
		}
		return err
	case err != nil:
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	g.apply(Update{Path: p, Kind: UpdateDeleted})
	g.apply(Update{Path: Parent(p), Kind: UpdateChildRemoved, Child: Base(p)})
	glog.V(6).Infof("gateway: deleted %s", p)
	return nil
}

// deleteChildren checks the version of p, so that a mismatch leaves the
// subtree alone, then deletes every child subtree.
func (g *Gateway) deleteChildren(ctx context.Context, po *pendingOp, p string, version Ver) error {
	var (
		children []string
		st       Stat
	)
	err := g.call(ctx, po, "getChildren "+p, func(cctx context.Context) error {
		var err error
		children, st, err = g.r.GetChildren(cctx, p, false)
		return err
	})
	if errors.Is(err, ErrNoNode) && ctxErr(ctx) == nil {
		g.apply(Update{Path: p, Kind: UpdateDeleted})
	}
	if err != nil {
		return err
	}
	if version != AnyVersion && st.Version != version {
		return &OpError{
			Kind:        KindVersionConflict,
			Op:          "delete",
			Path:        p,
			Expected:    version,
			Actual:      st.Version,
			HasVersions: true,
			Err:         ErrBadVersion,
		}
	}
	sort.Strings(children)
	for _, c := range children {
		err := g.deleteNode(ctx, po, Join(p, c), AnyVersion, true)
		if err != nil && !errors.Is(err, ErrNoNode) {
			return fmt.Errorf("%s: %w", Join(p, c), err)
		}
	}
	return nil
}
