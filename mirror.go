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
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Mirror keeps a local copy of a remote namespace up to date and serves
// reads and writes against it.
//
// A single goroutine consumes the Remote's event stream in order. Session
// events drive the SessionManager; node events consume watch tokens and
// queue a refresh of the path, so the consumer never waits on the network.
type Mirror struct {
	r        Remote
	cfg      Config
	session  *SessionManager
	watches  *WatchRegistry
	cache    *TreeCache
	gw       *Gateway
	notifier *Notifier

	limiter *rate.Limiter
	fetches singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	donec  chan struct{}

	// lost holds tokens dropped at expiry until the next connect re-arms
	// them.
	lostMu sync.Mutex
	lost   []WatchToken

	stopSession func()
}

func New(r Remote, cfg Config) *Mirror {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		r:        r,
		cfg:      cfg,
		session:  NewSessionManager(r, cfg),
		watches:  NewWatchRegistry(),
		cache:    NewTreeCache(),
		notifier: NewNotifier(),
		limiter:  rate.NewLimiter(cfg.FetchRate, cfg.FetchBurst),
		ctx:      ctx,
		cancel:   cancel,
		donec:    make(chan struct{}),
	}
	m.gw = NewGateway(r, cfg, m.cache, m.watches)
	m.gw.onApply = func(prev, next *NodeSnapshot) { m.notifier.Publish(Diff(prev, next)...) }
	m.gw.onZxid = m.session.ObserveZxid
	m.stopSession = m.session.Subscribe(m.onStateChange)
	go m.run()
	return m
}

// Connect starts the session and waits for it to be established.
func (m *Mirror) Connect(ctx context.Context) error {
	return m.session.Connect(ctx)
}

// Close disconnects, failing pending operations with ErrCancelled, and
// stops event delivery after what is already queued.
func (m *Mirror) Close() error {
	err := m.session.Disconnect()
	m.gw.Close()
	m.cancel()
	<-m.donec
	m.stopSession()
	m.notifier.Close()
	return err
}

func (m *Mirror) State() State { return m.session.State() }

func (m *Mirror) Session() Session { return m.session.Session() }

func (m *Mirror) Cache() *TreeCache { return m.cache }

func (m *Mirror) Gateway() *Gateway { return m.gw }

func (m *Mirror) Watches() *WatchRegistry { return m.watches }

// Subscribe registers fn for cache changes and session transitions.
func (m *Mirror) Subscribe(fn func(ChangeEvent)) (unsubscribe func()) {
	return m.notifier.Subscribe(fn)
}

// Query returns the cached snapshot of p without waiting on the network.
// A snapshot no watch covers is returned marked stale. Missing, stale and
// unwatched snapshots schedule a watched background fetch; fetches are rate
// limited and concurrent ones for the same path are coalesced.
func (m *Mirror) Query(p string) (*NodeSnapshot, bool) {
	if ValidatePath(p) != nil {
		return nil, false
	}
	snap, ok := m.cache.Get(p)
	switch {
	case !ok || snap.Stale:
		m.fetchLater(p)
	case !m.gw.watched(p):
		m.fetchLater(p)
		snap = snap.clone()
		snap.Stale = true
	}
	return snap, ok
}

func (m *Mirror) fetchLater(p string) {
	go m.fetches.Do(p, func() (interface{}, error) {
		if err := m.limiter.Wait(m.ctx); err != nil {
			return nil, err
		}
		snap, err := m.gw.Read(m.ctx, p, true)
		if err != nil {
			glog.V(6).Infof("mirror: background fetch of %s failed (%v)", p, err)
		}
		return snap, err
	})
}

// Submit runs op in the background.
func (m *Mirror) Submit(op Operation) *Handle {
	h := newHandle(op)
	go func() {
		h.resolve(m.do(m.ctx, op))
	}()
	return h
}

func (m *Mirror) do(ctx context.Context, op Operation) (Result, error) {
	switch op.Type {
	case OpCreate:
		p, err := m.gw.Create(ctx, op.Path, op.Data, op.Flags, op.Recursive)
		return Result{Path: p}, err
	case OpRead:
		snap, err := m.gw.Read(ctx, op.Path, op.Watch)
		return Result{Path: op.Path, Snapshot: snap}, err
	case OpSetData:
		st, err := m.gw.SetData(ctx, op.Path, op.Data, op.Version)
		return Result{Path: op.Path, Stat: st}, err
	case OpDelete:
		err := m.gw.Delete(ctx, op.Path, op.Version, op.Recursive)
		return Result{Path: op.Path}, err
	}
	return Result{}, newOpError(op.Type.String(), op.Path, ErrUnknownOp)
}

func (m *Mirror) Create(ctx context.Context, p string, data []byte, recursive bool) (string, error) {
	return m.gw.Create(ctx, p, data, 0, recursive)
}

func (m *Mirror) Read(ctx context.Context, p string, watch bool) (*NodeSnapshot, error) {
	return m.gw.Read(ctx, p, watch)
}

func (m *Mirror) SetData(ctx context.Context, p string, data []byte, version Ver) (Stat, error) {
	return m.gw.SetData(ctx, p, data, version)
}

func (m *Mirror) Delete(ctx context.Context, p string, version Ver, recursive bool) error {
	return m.gw.Delete(ctx, p, version, recursive)
}

// Sync waits until every refresh queued so far has been applied.
func (m *Mirror) Sync() { m.gw.Wait() }

func (m *Mirror) run() {
	defer close(m.donec)
	evc := m.r.Events()
	for {
		select {
		case ev, ok := <-evc:
			if !ok {
				return
			}
			m.dispatch(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Mirror) dispatch(ev Event) {
	if ev.Type == EventSession {
		m.session.HandleEvent(ev)
		return
	}
	m.session.ObserveZxid(ev.Zxid)
	fired := m.watches.OnEvent(ev)
	if len(fired) == 0 {
		if _, ok := m.cache.Get(ev.Path); !ok {
			glog.V(6).Infof("mirror: ignoring %v, nothing watched or cached", ev)
			return
		}
	}
	m.gw.refresh(ev, len(fired) > 0)
}

// onStateChange runs for every session transition, in order.
func (m *Mirror) onStateChange(sc StateChange) {
	switch sc.To {
	case StateDisconnected, StateExpired:
		cause := sc.Err
		if cause == nil {
			cause = ErrConnectionLoss
		}
		m.gw.CancelPending(cause)
		if sc.To == StateExpired {
			m.cache.InvalidateAll()
			lost := m.watches.Reset()
			m.lostMu.Lock()
			m.lost = append(m.lost, lost...)
			m.lostMu.Unlock()
		}
	case StateConnected:
		lost := m.watches.Reset()
		m.lostMu.Lock()
		lost = append(m.lost, lost...)
		m.lost = nil
		m.lostMu.Unlock()
		m.rearm(lost)
	}
	m.notifier.Publish(ChangeEvent{Type: ChangeSession, State: sc.To, Err: sc.Err})
}

// rearm re-establishes coverage for every path that lost its watches.
func (m *Mirror) rearm(lost []WatchToken) {
	seen := make(map[string]bool)
	for _, tok := range lost {
		if seen[tok.Path] {
			continue
		}
		seen[tok.Path] = true
		ev := Event{Type: EventNodeDataChanged, Path: tok.Path}
		if tok.Kind == WatchExist {
			if _, ok := m.cache.Get(tok.Path); !ok {
				// waiting for the node to appear
				ev.Type = EventNodeDeleted
			}
		}
		m.gw.refresh(ev, true)
	}
	if len(seen) > 0 {
		glog.V(5).Infof("mirror: re-arming watches on %d path(s)", len(seen))
	}
}
