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

	"github.com/golang/glog"
)

type remoteLog struct{ r Remote }

// NewRemoteLog traces every call made on r at verbosity 7.
func NewRemoteLog(r Remote) Remote {
	return &remoteLog{r}
}

func (rl *remoteLog) Connect(ctx context.Context) (Sid, error) {
	sid, err := rl.r.Connect(ctx)
	glog.V(7).Infof("Connect() = (%x, %v)", sid, err)
	return sid, err
}

func (rl *remoteLog) Events() <-chan Event { return rl.r.Events() }

func (rl *remoteLog) GetData(ctx context.Context, p string, watch bool) ([]byte, Stat, error) {
	data, st, err := rl.r.GetData(ctx, p, watch)
	glog.V(7).Infof("GetData(%s,%v) = (len=%d, %+v, %v)", p, watch, len(data), st, err)
	return data, st, err
}

func (rl *remoteLog) GetChildren(ctx context.Context, p string, watch bool) ([]string, Stat, error) {
	children, st, err := rl.r.GetChildren(ctx, p, watch)
	glog.V(7).Infof("GetChildren(%s,%v) = (%v, %+v, %v)", p, watch, children, st, err)
	return children, st, err
}

func (rl *remoteLog) Exists(ctx context.Context, p string, watch bool) (Stat, bool, error) {
	st, ok, err := rl.r.Exists(ctx, p, watch)
	glog.V(7).Infof("Exists(%s,%v) = (%+v, %v, %v)", p, watch, st, ok, err)
	return st, ok, err
}

func (rl *remoteLog) SetData(ctx context.Context, p string, data []byte, version Ver) (Stat, error) {
	st, err := rl.r.SetData(ctx, p, data, version)
	glog.V(7).Infof("SetData(%s,len=%d,%d) = (%+v, %v)", p, len(data), version, st, err)
	return st, err
}

func (rl *remoteLog) Create(ctx context.Context, p string, data []byte, flags int32) (string, error) {
	created, err := rl.r.Create(ctx, p, data, flags)
	glog.V(7).Infof("Create(%s,len=%d,%d) = (%s, %v)", p, len(data), flags, created, err)
	return created, err
}

func (rl *remoteLog) Delete(ctx context.Context, p string, version Ver) error {
	err := rl.r.Delete(ctx, p, version)
	glog.V(7).Infof("Delete(%s,%d) = %v", p, version, err)
	return err
}

func (rl *remoteLog) Close() error {
	glog.V(7).Infof("Close()")
	return rl.r.Close()
}
